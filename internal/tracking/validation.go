package tracking

import (
	"fmt"

	"github.com/comparisonguide/clicktrack/internal/clickid"
)

// ValidateTask checks a task before it is applied. Stream payloads come from
// outside the process, so the worker runs this on every message.
func ValidateTask(task Task) error {
	if task.ClickID == "" {
		return fmt.Errorf("%w: click id is required", ErrInvalidTask)
	}
	if !clickid.Valid(task.ClickID) {
		return fmt.Errorf("%w: malformed click id", ErrInvalidTask)
	}

	switch task.Kind {
	case KindCreate:
		if task.Click == nil {
			return fmt.Errorf("%w: create without click", ErrInvalidTask)
		}
		if task.Click.ClickID != task.ClickID {
			return fmt.Errorf("%w: click id mismatch", ErrInvalidTask)
		}
		if task.Click.Status != "" && !task.Click.Status.IsValid() {
			return fmt.Errorf("%w: status %q", ErrInvalidTask, task.Click.Status)
		}
	case KindUpdate:
		if task.Update == nil || task.Update.IsEmpty() {
			return fmt.Errorf("%w: update without fields", ErrInvalidTask)
		}
		if task.Update.Status != nil && !task.Update.Status.IsValid() {
			return fmt.Errorf("%w: status %q", ErrInvalidTask, *task.Update.Status)
		}
		if task.Update.ForwardedAt != nil && task.Update.ProviderURL == nil {
			return fmt.Errorf("%w: forwardedAt without providerUrl", ErrInvalidTask)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidTask, task.Kind)
	}
	return nil
}
