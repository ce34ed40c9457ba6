package config

import (
	"errors"
	"fmt"
)

// MalformedSpecError indicates that a stack document is structurally invalid:
// a required field is missing, a port is out of range, or a field value is not
// one of the accepted literals.
type MalformedSpecError struct {
	// Service is the offending service identifier, if known.
	Service string
	// Reason describes what is wrong with the document.
	Reason string
}

func (e *MalformedSpecError) Error() string {
	if e == nil {
		return "malformed spec"
	}
	if e.Service != "" {
		return fmt.Sprintf("malformed spec: service %q: %s", e.Service, e.Reason)
	}
	return fmt.Sprintf("malformed spec: %s", e.Reason)
}

// IsMalformedSpecError reports whether err indicates a malformed stack document.
func IsMalformedSpecError(err error) bool {
	var target *MalformedSpecError
	return errors.As(err, &target)
}

// DuplicateServiceError indicates that two services share the same identifier.
type DuplicateServiceError struct {
	// ID is the duplicated service identifier.
	ID string
}

func (e *DuplicateServiceError) Error() string {
	if e == nil {
		return "duplicate service identifier"
	}
	return fmt.Sprintf("duplicate service identifier %q", e.ID)
}

// IsDuplicateServiceError reports whether err indicates a duplicated service identifier.
func IsDuplicateServiceError(err error) bool {
	var target *DuplicateServiceError
	return errors.As(err, &target)
}

// UnknownDependencyError indicates that a depends_on edge targets an identifier
// that is absent from the same document.
type UnknownDependencyError struct {
	// Service is the service declaring the edge.
	Service string
	// Dependency is the identifier the edge points at.
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	if e == nil {
		return "unknown dependency"
	}
	return fmt.Sprintf("service %q depends on unknown service %q", e.Service, e.Dependency)
}

// IsUnknownDependencyError reports whether err indicates a dependency on an undeclared service.
func IsUnknownDependencyError(err error) bool {
	var target *UnknownDependencyError
	return errors.As(err, &target)
}
