package contracts

// SideEffectType enumerates the write-capable actions the assistant can take.
type SideEffectType string

const (
	EffectEmailDraft     SideEffectType = "emailDraft"
	EffectEmailSend      SideEffectType = "emailSend"
	EffectCalendarCreate SideEffectType = "calendarCreate"
	EffectCalendarUpdate SideEffectType = "calendarUpdate"
	EffectCalendarDelete SideEffectType = "calendarDelete"
	EffectTaskCreate     SideEffectType = "taskCreate"
	EffectMemoryWrite    SideEffectType = "memoryWrite"
)

// Category groups side effects for policy checks.
type Category string

const (
	CategoryEmail    Category = "email"
	CategoryCalendar Category = "calendar"
	CategoryTask     Category = "task"
	CategoryMemory   Category = "memory"
)

var effectCategories = map[SideEffectType]Category{
	EffectEmailDraft:     CategoryEmail,
	EffectEmailSend:      CategoryEmail,
	EffectCalendarCreate: CategoryCalendar,
	EffectCalendarUpdate: CategoryCalendar,
	EffectCalendarDelete: CategoryCalendar,
	EffectTaskCreate:     CategoryTask,
	EffectMemoryWrite:    CategoryMemory,
}

// baseDualConfirmation is the set of effects that always need a second,
// explicit confirmation after approval.
var baseDualConfirmation = map[SideEffectType]bool{
	EffectEmailSend:      true,
	EffectCalendarDelete: true,
}

// Valid reports whether t is a known side-effect type.
func (t SideEffectType) Valid() bool {
	_, ok := effectCategories[t]
	return ok
}

// Category returns the policy category of t. Unknown types return "".
func (t SideEffectType) Category() Category {
	return effectCategories[t]
}

// RequiresDualConfirmation reports whether t is in the base dual-confirmation set.
func (t SideEffectType) RequiresDualConfirmation() bool {
	return baseDualConfirmation[t]
}

// AllSideEffectTypes lists every known type in a stable order.
func AllSideEffectTypes() []SideEffectType {
	return []SideEffectType{
		EffectEmailDraft, EffectEmailSend,
		EffectCalendarCreate, EffectCalendarUpdate, EffectCalendarDelete,
		EffectTaskCreate, EffectMemoryWrite,
	}
}

// SideEffect is a discrete write-capable action attached to one proposal's
// approval context. It is never shared between contexts.
type SideEffect struct {
	Type                      SideEffectType `json:"type"`
	SecondConfirmationGranted bool           `json:"secondConfirmationGranted"`
}
