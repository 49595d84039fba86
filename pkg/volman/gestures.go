package volman

// GestureBinder installs the set of gestures the controller currently responds to.
// Bind replaces the previous set and must not block on gesture delivery
type GestureBinder interface {
	Bind(gestureIDs []string)
}

// GestureSource delivers gesture ids to a dispatch function, on its own goroutine
type GestureSource interface {
	Start(dispatch func(gestureID string)) error
	Stop()
}

// binderGroup fans bindings out to every binder
type binderGroup []GestureBinder

func (g binderGroup) Bind(gestureIDs []string) {
	for _, binder := range g {
		binder.Bind(gestureIDs)
	}
}
