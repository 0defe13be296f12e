package notification

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/velabot/vela/pkg/core"
)

// scriptTimeout bounds one hook invocation so a hung script cannot stall the
// caller's event loop.
const scriptTimeout = 10 * time.Second

// Script pushes engine events by running an external binary with the message
// as its single argument. It adapts shell hooks (ntfy, wall, custom pagers)
// that have no dedicated transport here.
type Script struct {
	bin string
}

// NewScript creates a notifier that invokes bin once per event.
func NewScript(bin string) Script {
	return Script{bin: bin}
}

// Notify runs the binary with the text as its argument.
func (s Script) Notify(text string) {
	ctx, cancel := context.WithTimeout(context.Background(), scriptTimeout)
	defer cancel()

	if out, err := exec.CommandContext(ctx, s.bin, text).CombinedOutput(); err != nil {
		log.WithError(err).Errorf("notification/script: %s: %s", s.bin, out)
	}
}

// OnTrade pushes a booked trade.
func (s Script) OnTrade(trade core.Trade) {
	s.Notify(fmt.Sprintf("%s\n%s", tradeTitle(trade), tradeBody(trade)))
}

// OnError pushes an engine error.
func (s Script) OnError(err error) {
	s.Notify(formatError(err))
}
