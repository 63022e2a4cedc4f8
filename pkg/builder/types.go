package builder

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of a build.
type Status string

const (
	StatusPending  Status = "pending"
	StatusBuilding Status = "building"
	StatusPushing  Status = "pushing"
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
	StatusError    Status = "error"
)

// Terminal reports whether no further transition follows s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusError:
		return true
	}
	return false
}

// Format is both a definition type and a build target.
type Format string

const (
	FormatDocker      Format = "docker"
	FormatSingularity Format = "singularity"
)

// ParseFormat normalizes a user supplied format name.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatDocker:
		return FormatDocker, nil
	case FormatSingularity:
		return FormatSingularity, nil
	}
	return "", Validation("parse format", fmt.Errorf("unsupported format %q", s))
}

// Build is one attempt to materialize a definition into an image. A single
// record is tracked per (DefinitionID, Format) and mutated in place.
type Build struct {
	ID            string     `json:"build_id"`
	DefinitionID  string     `json:"definition_id"`
	Format        Format     `json:"container_type"`
	ContainerName string     `json:"container_name"`
	Status        Status     `json:"build_status"`
	BuildTime     *time.Time `json:"build_time,omitempty"`
	LastBuilt     *time.Time `json:"last_built,omitempty"`
	ContainerSize int64      `json:"container_size"`
	Owner         string     `json:"container_owner"`
	Location      string     `json:"build_location,omitempty"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// LocationObjectStore marks definitions whose files live in the object
// store under their definition id.
const LocationObjectStore = "s3"

// Definition is an immutable recipe reference.
type Definition struct {
	ID        string    `json:"definition_id"`
	Type      Format    `json:"definition_type"`
	Name      string    `json:"definition_name"`
	Owner     string    `json:"definition_owner"`
	Location  string    `json:"location"`
	CreatedAt time.Time `json:"created_at"`
}

// BuildPatch lists the columns to change on a build record. Nil fields are
// left untouched.
type BuildPatch struct {
	Status        *Status
	DefinitionID  *string
	ContainerName *string
	BuildTime     *time.Time
	LastBuilt     *time.Time
	ContainerSize *int64
	Location      *string
	Error         *string
}

// Apply copies the set fields of p onto b.
func (p BuildPatch) Apply(b *Build) {
	if p.Status != nil {
		b.Status = *p.Status
	}
	if p.DefinitionID != nil {
		b.DefinitionID = *p.DefinitionID
	}
	if p.ContainerName != nil {
		b.ContainerName = *p.ContainerName
	}
	if p.BuildTime != nil {
		t := *p.BuildTime
		b.BuildTime = &t
	}
	if p.LastBuilt != nil {
		t := *p.LastBuilt
		b.LastBuilt = &t
	}
	if p.ContainerSize != nil {
		b.ContainerSize = *p.ContainerSize
	}
	if p.Location != nil {
		b.Location = *p.Location
	}
	if p.Error != nil {
		b.Error = *p.Error
	}
}

// StatusPatch is shorthand for a patch that only moves the state machine.
func StatusPatch(s Status, errMsg string) BuildPatch {
	return BuildPatch{Status: &s, Error: &errMsg}
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
