// Package status describes the health of a service's connection to its
// external source.
package status

import "encoding/json"

// Kind is the coarse health of a service.
type Kind int

const (
	Initializing Kind = iota
	Active
	Error
	Unavailable
)

func (k Kind) String() string {
	switch k {
	case Active:
		return "active"
	case Error:
		return "error"
	case Unavailable:
		return "unavailable"
	default:
		return "initializing"
	}
}

// Status is the current health plus an optional error message.
type Status struct {
	Kind    Kind
	Message string
}

// NewActive, NewUnavailable and NewError build the common values.
func NewActive() Status                 { return Status{Kind: Active} }
func NewUnavailable(msg string) Status  { return Status{Kind: Unavailable, Message: msg} }
func NewError(err error) Status         { return Status{Kind: Error, Message: errMessage(err)} }
func NewErrorMessage(msg string) Status { return Status{Kind: Error, Message: msg} }

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// IsOperational reports whether the snapshot is being kept fresh.
func (s Status) IsOperational() bool {
	return s.Kind == Active
}

// Label is a short human-readable description.
func (s Status) Label() string {
	switch s.Kind {
	case Active:
		return "Active"
	case Error:
		return "Error"
	case Unavailable:
		return "Unavailable"
	default:
		return "Starting"
	}
}

func (s Status) String() string {
	if s.Message == "" {
		return s.Kind.String()
	}
	return s.Kind.String() + ": " + s.Message
}

// MarshalJSON renders {"status":"error","message":"..."}.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Status  string `json:"status"`
		Message string `json:"message,omitempty"`
	}{s.Kind.String(), s.Message})
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var raw struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.Kind = ParseKind(raw.Status)
	s.Message = raw.Message
	return nil
}

// ParseKind is the inverse of Kind.String. Unknown names are Initializing.
func ParseKind(name string) Kind {
	switch name {
	case "active":
		return Active
	case "error":
		return Error
	case "unavailable":
		return Unavailable
	default:
		return Initializing
	}
}

// Combine reports the worst of several listener statuses: any error wins,
// then any listener still starting, then active. A service whose listeners
// are all unavailable is unavailable.
func Combine(statuses ...Status) Status {
	if len(statuses) == 0 {
		return Status{}
	}
	unavailable := 0
	initializing := false
	for _, s := range statuses {
		switch s.Kind {
		case Error:
			return s
		case Initializing:
			initializing = true
		case Unavailable:
			unavailable++
		}
	}
	switch {
	case initializing:
		return Status{Kind: Initializing}
	case unavailable == len(statuses):
		return statuses[0]
	default:
		return NewActive()
	}
}
