package domain

import "errors"

// Admission-time errors. These never enter the pipeline; they are returned
// synchronously from Admission.Submit.
var (
	ErrUnsupportedSurface   = errors.New("surface not configured for generation")
	ErrUserInFlightExceeded = errors.New("user in-flight generation cap exceeded")
	ErrGlobalQueueFull      = errors.New("global queue is full")
	ErrBadImage             = errors.New("could not fetch or decode source image")
	ErrOOMPredicted         = errors.New("requested parameters would exceed backend memory budget")
	ErrCooldownActive       = errors.New("user is on cooldown")
)

// Worker-time errors. These are attached to WorkItem.ErrorMessage and
// delivered through the result queue rather than returned synchronously.
var (
	ErrModelSwitchFailed = errors.New("backend failed to switch checkpoint")
	ErrGenerationFailed  = errors.New("backend generation request failed")
)

// ErrParseMalformed is returned by AckCodec.Parse when the supplied text
// does not contain a recognizable ack payload.
var ErrParseMalformed = errors.New("ack text is malformed or not a recognized ack message")
