package services

// Actor is the authenticated caller of a workflow operation. It is built per
// request from the bearer token and passed explicitly into every service call.
type Actor struct {
	UserID uint
	Email  string
	Admin  bool
}

// Anonymous reports whether the actor carries no user identity.
func (a Actor) Anonymous() bool {
	return a.UserID == 0
}

func requireActor(a Actor) error {
	if a.Anonymous() {
		return unauthorized(ErrUnauthenticated)
	}
	return nil
}
