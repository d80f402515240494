package room

type Role string
type Action string

const (
	RoleGM       Role = "gm"
	RolePlayer   Role = "player"
	RoleObserver Role = "observer"
)

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionManage Action = "manage"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleGM:
		return true
	case RolePlayer:
		return action == ActionRead
	case RoleObserver:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleGM, RolePlayer, RoleObserver:
		return Role(role)
	default:
		return RolePlayer
	}
}
