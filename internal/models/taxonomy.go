// Package models provides data model definitions for centersync.
package models

import "fmt"

// Additivity describes whether a change adds, removes, or modifies data.
type Additivity int

const (
	AdditivityRemove Additivity = -1
	AdditivityModify Additivity = 0
	AdditivityAdd    Additivity = 1
)

// String returns the display string for an Additivity.
func (a Additivity) String() string {
	switch a {
	case AdditivityAdd:
		return "addition"
	case AdditivityRemove:
		return "removal"
	case AdditivityModify:
		return "modification"
	}
	return fmt.Sprintf("additivity(%d)", int(a))
}

// SubjectType names a major entity kind whose changes are recorded.
// The taxonomy is closed: the legal change types for each subject are
// enumerated here and validated at RecordType construction.
type SubjectType int

const (
	SubjectCenter SubjectType = iota
	SubjectAutoPurge
)

// Name returns the wire/display name of the subject type.
func (s SubjectType) Name() string {
	switch s {
	case SubjectCenter:
		return "center"
	case SubjectAutoPurge:
		return "autoPurge"
	}
	return fmt.Sprintf("subject(%d)", int(s))
}

// ParseSubjectType resolves a wire name back to a SubjectType.
func ParseSubjectType(name string) (SubjectType, error) {
	switch name {
	case "center":
		return SubjectCenter, nil
	case "autoPurge":
		return SubjectAutoPurge, nil
	}
	return 0, fmt.Errorf("unknown subject type %q", name)
}

// ChangeTypes returns the change types legal for this subject.
func (s SubjectType) ChangeTypes() []ChangeType {
	switch s {
	case SubjectCenter:
		return []ChangeType{
			CenterPresence, CenterName, CenterURL, CenterServerUser,
			CenterServerPassword, CenterClientUser, CenterSyncFrequency,
			CenterChangeSaveTime,
		}
	case SubjectAutoPurge:
		return []ChangeType{
			PurgeEntryCount, PurgeAge, PurgeExcludeUser, PurgeExcludeType,
		}
	}
	return nil
}

// Allows reports whether the change type is legal for this subject.
func (s SubjectType) Allows(c ChangeType) bool {
	for _, legal := range s.ChangeTypes() {
		if legal == c {
			return true
		}
	}
	return false
}

// ChangeType names one mutable field (or membership set) of a subject.
type ChangeType int

const (
	// Center change types. CenterPresence is the existence of the
	// center itself; the rest are individual fields.
	CenterPresence ChangeType = iota
	CenterName
	CenterURL
	CenterServerUser
	CenterServerPassword
	CenterClientUser
	CenterSyncFrequency
	CenterChangeSaveTime

	// Auto-purge policy change types.
	PurgeEntryCount
	PurgeAge
	PurgeExcludeUser
	PurgeExcludeType
)

// Name returns the wire/display name of the change type.
func (c ChangeType) Name() string {
	switch c {
	case CenterPresence:
		return "presence"
	case CenterName:
		return "name"
	case CenterURL:
		return "url"
	case CenterServerUser:
		return "serverUser"
	case CenterServerPassword:
		return "serverPassword"
	case CenterClientUser:
		return "clientUser"
	case CenterSyncFrequency:
		return "syncFrequency"
	case CenterChangeSaveTime:
		return "changeSaveTime"
	case PurgeEntryCount:
		return "entryCount"
	case PurgeAge:
		return "age"
	case PurgeExcludeUser:
		return "excludeUser"
	case PurgeExcludeType:
		return "excludeType"
	}
	return fmt.Sprintf("change(%d)", int(c))
}

// MinorSubject returns the name of the optional minor subject carried by
// changes of this type, or "" when the type has none.
func (c ChangeType) MinorSubject() string {
	switch c {
	case PurgeExcludeUser:
		return "user"
	case PurgeExcludeType:
		return "subjectType"
	}
	return ""
}

// Identifiable reports whether the payload value of this change type is
// an identifiable referenced object that must be serialized by (type, id)
// reference and resolved through a lookup, as opposed to a primitive.
func (c ChangeType) Identifiable() bool {
	return c == CenterPresence
}

// Additivities returns the additivity values legal for this change type.
// Presence and membership changes add or remove; field changes modify.
func (c ChangeType) Additivities() []Additivity {
	switch c {
	case CenterPresence, PurgeExcludeUser, PurgeExcludeType:
		return []Additivity{AdditivityAdd, AdditivityRemove}
	}
	return []Additivity{AdditivityModify}
}

func parseChangeType(subject SubjectType, name string) (ChangeType, error) {
	for _, c := range subject.ChangeTypes() {
		if c.Name() == name {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown change type %q for subject %q", name, subject.Name())
}

// RecordType is the statically checked triple (subject, change, additivity).
type RecordType struct {
	Subject    SubjectType
	Change     ChangeType
	Additivity Additivity
}

// NewRecordType builds a RecordType, failing immediately when the change
// type is not legal for the subject or the additivity is not legal for
// the change type.
func NewRecordType(subject SubjectType, change ChangeType, additivity Additivity) (RecordType, error) {
	if !subject.Allows(change) {
		return RecordType{}, fmt.Errorf("change type %q is not legal for subject %q",
			change.Name(), subject.Name())
	}
	legal := false
	for _, a := range change.Additivities() {
		if a == additivity {
			legal = true
			break
		}
	}
	if !legal {
		return RecordType{}, fmt.Errorf("%s is not legal for change type %q",
			additivity, change.Name())
	}
	return RecordType{Subject: subject, Change: change, Additivity: additivity}, nil
}

// ParseRecordType resolves wire names back into a validated RecordType.
func ParseRecordType(subjectName, changeName string, additivity int) (RecordType, error) {
	subject, err := ParseSubjectType(subjectName)
	if err != nil {
		return RecordType{}, err
	}
	change, err := parseChangeType(subject, changeName)
	if err != nil {
		return RecordType{}, err
	}
	return NewRecordType(subject, change, Additivity(additivity))
}

// String returns a display string like "center name modification".
func (r RecordType) String() string {
	return fmt.Sprintf("%s %s %s", r.Subject.Name(), r.Change.Name(), r.Additivity)
}
