// Package broker implements the brokered-service container: the
// process-local registry and dispatch engine that mediates requests for
// named services between clients and the providers proffered for them.
package broker

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a three-part version a service Identity may carry. The zero
// value (all fields zero) is treated the same as "no version" everywhere
// an Identity is versionless; construct explicit versions with NewVersion.
type Version struct {
	set               bool
	Major, Minor, Build int
}

// NewVersion constructs a present Version.
func NewVersion(major, minor, build int) Version {
	return Version{set: true, Major: major, Minor: minor, Build: build}
}

// Present reports whether this Version was set (as opposed to the
// zero-value "no version").
func (v Version) Present() bool {
	return v.set
}

func (v Version) String() string {
	if !v.set {
		return ""
	}
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Build)
}

// Equal is structural equality over the version triple; two absent
// versions are equal.
func (v Version) Equal(o Version) bool {
	if v.set != o.set {
		return false
	}
	if !v.set {
		return true
	}
	return v.Major == o.Major && v.Minor == o.Minor && v.Build == o.Build
}

// Identity names one service contract, optionally pinned to a version.
// Equality over Name is case-sensitive; equality over Version is
// structural. An Identity with no Version is "versionless": it answers
// requests for any version of the same name when no exact match is
// registered.
type Identity struct {
	Name    string
	Version Version
}

// NewIdentity constructs a versionless Identity.
func NewIdentity(name string) Identity {
	return Identity{Name: name}
}

// NewVersionedIdentity constructs an Identity pinned to a version.
func NewVersionedIdentity(name string, v Version) Identity {
	return Identity{Name: name, Version: v}
}

// Versionless reports whether this Identity carries no version.
func (id Identity) Versionless() bool {
	return !id.Version.set
}

// Equal is case-sensitive over Name and structural over Version.
func (id Identity) Equal(o Identity) bool {
	return id.Name == o.Name && id.Version.Equal(o.Version)
}

// String renders "name" or "name/major.minor.build".
func (id Identity) String() string {
	if id.Versionless() {
		return id.Name
	}
	return id.Name + "/" + id.Version.String()
}

// versionlessOf returns the versionless form of id, used as a fallback
// lookup key.
func (id Identity) versionlessOf() Identity {
	return Identity{Name: id.Name}
}

// ParseIdentity parses the wire/config form of an identity: "name" or
// "name/major.minor.build". It is the inverse of Identity.String, used
// wherever an identity travels as a string — the chaos policy file, the
// remote IPC facade's RequestServiceChannel argument.
func ParseIdentity(s string) (Identity, error) {
	name, versionPart, hasVersion := strings.Cut(s, "/")
	if name == "" {
		return Identity{}, fmt.Errorf("broker: empty identity name in %q", s)
	}
	if !hasVersion {
		return NewIdentity(name), nil
	}
	parts := strings.Split(versionPart, ".")
	if len(parts) != 3 {
		return Identity{}, fmt.Errorf("broker: version %q must have three dot-separated parts", versionPart)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return Identity{}, fmt.Errorf("broker: version %q: %w", versionPart, err)
		}
		nums[i] = n
	}
	return NewVersionedIdentity(name, NewVersion(nums[0], nums[1], nums[2])), nil
}
