package breakpoint

import (
	"sync"

	"github.com/momentics/strobe-agent/event"
	"github.com/momentics/strobe-agent/internal/idgen"
)

// StepInstaller installs a one-shot hook at address; onFire is called
// with the id of the thread that hit it. The returned remove func
// uninstalls the hook and is safe to call more than once.
type StepInstaller interface {
	InstallOneShot(address uint64, onFire func(firingThreadID uint32)) (remove func(), err error)
}

// Landing names where a step hook should report it landed.
type Landing struct {
	File     string
	Line     int
	Function string
	// SubtractSlide: the installed address was a runtime return address;
	// convert it back to the DWARF-static address before reporting so
	// further stepping from this point is computable.
	SubtractSlide bool
}

// StepController installs one-shot step hooks (continue/step-over/
// step-into/step-out all reduce to "install a one-shot hook at the
// server-provided target address, filtered to the originating thread").
type StepController struct {
	installer StepInstaller
	ids       *idgen.EventIDs

	mu        sync.Mutex
	slide     uint64
	sessionID string
	emit      func(any)
}

// NewStepController builds a step controller bound to a hook installer.
func NewStepController(installer StepInstaller, ids *idgen.EventIDs) *StepController {
	return &StepController{installer: installer, ids: ids}
}

// SetSlide records the ASLR slide for static-address conversion on
// return-address landings.
func (c *StepController) SetSlide(slide uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slide = slide
}

// SetSession sets the session id stamped on emitted pause events.
func (c *StepController) SetSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = sessionID
}

// SetEmit installs the event sink.
func (c *StepController) SetEmit(emit func(any)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emit = emit
}

// InstallStep installs a one-shot hook at targetAddress. On its first
// fire by originThreadID, the hook auto-uninstalls and a pause event is
// emitted at landing; fires from any other thread are ignored (the hook
// stays armed for the originating thread only).
func (c *StepController) InstallStep(targetAddress uint64, originThreadID uint32, landing Landing) error {
	var once sync.Once
	var remove func()

	onFire := func(firingThreadID uint32) {
		if firingThreadID != originThreadID {
			return
		}
		once.Do(func() {
			if remove != nil {
				remove()
			}
			staticAddr := targetAddress
			if landing.SubtractSlide {
				c.mu.Lock()
				slide := c.slide
				c.mu.Unlock()
				staticAddr -= slide
			}
			c.emitLanding(firingThreadID, landing, staticAddr)
		})
	}

	r, err := c.installer.InstallOneShot(targetAddress, onFire)
	if err != nil {
		return err
	}
	remove = r
	return nil
}

func (c *StepController) emitLanding(threadID uint32, landing Landing, staticAddr uint64) {
	c.mu.Lock()
	emit := c.emit
	sessionID := c.sessionID
	c.mu.Unlock()
	if emit == nil {
		return
	}
	emit(&event.Pause{
		ID:        c.ids.Next(),
		SessionID: sessionID,
		ThreadID:  threadID,
		Address:   staticAddr,
		File:      landing.File,
		Line:      landing.Line,
		Function:  landing.Function,
	})
}
