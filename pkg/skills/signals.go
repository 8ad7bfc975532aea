package skills

// SignalCategory is the coarse class a matched pattern belongs to.
type SignalCategory string

const (
	SignalLegal         SignalCategory = "legal"
	SignalFinancial     SignalCategory = "financial"
	SignalDeadline      SignalCategory = "deadline"
	SignalScheduling    SignalCategory = "scheduling"
	SignalCommunication SignalCategory = "communication"
	SignalTask          SignalCategory = "task"
	SignalMemory        SignalCategory = "memory"
	SignalIrreversible  SignalCategory = "irreversible"
	SignalFanout        SignalCategory = "fanout"
	SignalInformational SignalCategory = "informational"
)

// categoryOrder fixes iteration order so output never depends on map order.
var categoryOrder = []SignalCategory{
	SignalLegal, SignalFinancial, SignalDeadline, SignalScheduling,
	SignalCommunication, SignalTask, SignalMemory, SignalIrreversible,
	SignalFanout, SignalInformational,
}

// Pattern is a keyword or phrase that, when present as whole words in the
// normalized text, raises a signal of Category.
type Pattern struct {
	ID       string
	Category SignalCategory
	Phrase   string
}

// Signal records that a pattern matched. It never holds the matched text.
type Signal struct {
	Category    SignalCategory `json:"category"`
	PatternID   string         `json:"patternId"`
	Occurrences int            `json:"occurrences"`
}

// DefaultPatterns is the built-in classification table.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{"legal.contract", SignalLegal, "contract"},
		{"legal.lawsuit", SignalLegal, "lawsuit"},
		{"legal.attorney", SignalLegal, "attorney"},
		{"legal.lawyer", SignalLegal, "lawyer"},
		{"legal.subpoena", SignalLegal, "subpoena"},
		{"legal.nda", SignalLegal, "nda"},
		{"legal.liability", SignalLegal, "liability"},
		{"legal.court", SignalLegal, "court"},

		{"financial.invoice", SignalFinancial, "invoice"},
		{"financial.payment", SignalFinancial, "payment"},
		{"financial.wire", SignalFinancial, "wire transfer"},
		{"financial.refund", SignalFinancial, "refund"},
		{"financial.bank", SignalFinancial, "bank"},
		{"financial.tax", SignalFinancial, "tax"},
		{"financial.salary", SignalFinancial, "salary"},

		{"deadline.due", SignalDeadline, "due"},
		{"deadline.deadline", SignalDeadline, "deadline"},
		{"deadline.asap", SignalDeadline, "asap"},
		{"deadline.urgent", SignalDeadline, "urgent"},
		{"deadline.eod", SignalDeadline, "end of day"},
		{"deadline.overdue", SignalDeadline, "overdue"},

		{"scheduling.meeting", SignalScheduling, "meeting"},
		{"scheduling.schedule", SignalScheduling, "schedule"},
		{"scheduling.calendar", SignalScheduling, "calendar"},
		{"scheduling.appointment", SignalScheduling, "appointment"},
		{"scheduling.reschedule", SignalScheduling, "reschedule"},
		{"scheduling.call", SignalScheduling, "call"},

		{"communication.reply", SignalCommunication, "reply"},
		{"communication.respond", SignalCommunication, "respond"},
		{"communication.email", SignalCommunication, "email"},
		{"communication.followup", SignalCommunication, "follow up"},
		{"communication.send", SignalCommunication, "send"},

		{"task.todo", SignalTask, "todo"},
		{"task.remind", SignalTask, "remind me"},
		{"task.task", SignalTask, "task"},
		{"task.action_item", SignalTask, "action item"},

		{"memory.remember", SignalMemory, "remember"},
		{"memory.note", SignalMemory, "note that"},
		{"memory.preference", SignalMemory, "prefers"},

		{"irreversible.delete", SignalIrreversible, "delete"},
		{"irreversible.cancel", SignalIrreversible, "cancel"},
		{"irreversible.terminate", SignalIrreversible, "terminate"},
		{"irreversible.sign", SignalIrreversible, "sign"},
		{"irreversible.permanent", SignalIrreversible, "permanently"},
		{"irreversible.wire", SignalIrreversible, "wire transfer"},

		{"fanout.everyone", SignalFanout, "everyone"},
		{"fanout.reply_all", SignalFanout, "reply all"},
		{"fanout.all_staff", SignalFanout, "all staff"},
		{"fanout.team", SignalFanout, "whole team"},
		{"fanout.distribution", SignalFanout, "mailing list"},
	}
}

// fanoutRecipientThreshold is the address count that alone raises a fanout signal.
const fanoutRecipientThreshold = 3

const (
	patternFallback   = "informational.fallback"
	patternRecipients = "fanout.recipients"
)
