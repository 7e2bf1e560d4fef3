package effect

import (
	"log/slog"

	"github.com/liamcoop/programrules/notification"
)

// Dependencies are the collaborators of the standard implementers.
type Dependencies struct {
	Templates notification.TemplateService
	Logging   *notification.LoggingService
	Publisher notification.Publisher
	Instances notification.InstanceStore
	Values    ValueWriter
	Logger    *slog.Logger
}

// Standard returns one implementer for every known action kind.
func Standard(deps Dependencies) []Implementer {
	return []Implementer{
		NewSendMessage(deps.Templates, deps.Logging, deps.Publisher, deps.Logger),
		NewScheduleMessage(deps.Templates, deps.Logging, deps.Instances, deps.Logger),
		NewAssign(deps.Values, deps.Logger),
		NewSetMandatoryField(),
		NewHideField(),
		NewWarning(),
		NewError(),
		NewDisplay(),
	}
}
