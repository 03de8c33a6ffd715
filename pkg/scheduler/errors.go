package scheduler

import "errors"

// ErrConfiguration indicates invalid run options; fatal to the run.
var ErrConfiguration = errors.New("scheduler: invalid configuration")

// ErrNoViableParticipants indicates every participant failed enough
// consecutive times that the run cannot make progress; fatal to the run.
var ErrNoViableParticipants = errors.New("scheduler: no viable participants")

// ErrSessionUnavailable is returned (wrapped) by a SessionProvider when
// a browser session could not be obtained for a participant.
var ErrSessionUnavailable = errors.New("scheduler: session unavailable")

// ErrAuthenticationFailed is returned (wrapped) by a SessionProvider
// when a session was obtained but the participant is not authenticated.
var ErrAuthenticationFailed = errors.New("scheduler: authentication failed")
