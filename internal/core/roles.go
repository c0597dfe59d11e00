package core

// GuestRole is the pseudo-role used both in allow-lists ("show to
// logged-out visitors") and as the preview role for guest impersonation.
const (
	GuestRole    = "logged-out"
	LoggedInRole = "logged-in"
)

// ViewerContext is the resolved identity of the current viewer, supplied
// by the identity collaborator. PreviewRole is only honored when
// ApplyPreviewRole is set.
type ViewerContext struct {
	LoggedIn         bool
	Roles            []string
	CanPreviewHidden bool
	ApplyPreviewRole bool
	PreviewRole      string
}

// IdentityOverlay is the site-level configuration that gates role
// impersonation: the registered role slugs and the subset permitted for
// preview.
type IdentityOverlay struct {
	RegisteredRoles     []string
	AllowedPreviewRoles []string
}

// EffectiveIdentity applies preview impersonation to the viewer's real
// identity. Guest impersonation always takes effect; role impersonation
// only when the impersonated role is both registered and allowed for
// preview, otherwise the real identity is kept.
func EffectiveIdentity(viewer ViewerContext, overlay IdentityOverlay) (loggedIn bool, roles []string) {
	if !viewer.ApplyPreviewRole || viewer.PreviewRole == "" {
		return viewer.LoggedIn, viewer.Roles
	}

	if viewer.PreviewRole == GuestRole {
		return false, nil
	}

	if containsString(overlay.RegisteredRoles, viewer.PreviewRole) &&
		containsString(overlay.AllowedPreviewRoles, viewer.PreviewRole) {
		return true, []string{viewer.PreviewRole}
	}

	return viewer.LoggedIn, viewer.Roles
}

// AllowedForRoles evaluates a non-empty role allow-list against the
// viewer's effective identity. Callers must skip the evaluator entirely
// when the allow-list is empty; an empty list here denies everyone.
func AllowedForRoles(allow []string, viewer ViewerContext, overlay IdentityOverlay) bool {
	loggedIn, roles := EffectiveIdentity(viewer, overlay)

	for _, entry := range allow {
		switch entry {
		case GuestRole:
			if !loggedIn {
				return true
			}
		case LoggedInRole:
			if loggedIn {
				return true
			}
		default:
			if containsString(roles, entry) {
				return true
			}
		}
	}
	return false
}

func containsString(list []string, want string) bool {
	for _, have := range list {
		if have == want {
			return true
		}
	}
	return false
}
