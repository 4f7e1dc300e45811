package rbac

type Role string
type Action string

const (
	RoleAnnotator Role = "annotator"
	RoleCurator   Role = "curator"
	RoleManager   Role = "manager"
)

const (
	ActionAnnotate      Action = "annotate"
	ActionViewDiff      Action = "view_diff"
	ActionCurate        Action = "curate"
	ActionViewAgreement Action = "view_agreement"
	ActionManage        Action = "manage"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleManager:
		return true
	case RoleCurator:
		return action == ActionAnnotate || action == ActionViewDiff || action == ActionCurate || action == ActionViewAgreement
	case RoleAnnotator:
		return action == ActionAnnotate
	default:
		return false
	}
}

// Normalize maps unknown or empty roles to the least privileged one.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleAnnotator, RoleCurator, RoleManager:
		return Role(role)
	default:
		return RoleAnnotator
	}
}
