package uuidx

import "github.com/google/uuid"

// New generates a new UUID using the version 7 format and returns it.
// It panics if the UUID generation fails.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString generates a new version 7 UUID and returns its canonical string form.
func NewString() string {
	return New().String()
}

// Parse parses s into a UUID and rejects the nil UUID.
func Parse(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, err
	}
	if id == uuid.Nil {
		return uuid.Nil, errNilUUID
	}
	return id, nil
}

type uuidError string

func (e uuidError) Error() string { return string(e) }

const errNilUUID = uuidError("nil uuid is not allowed")
