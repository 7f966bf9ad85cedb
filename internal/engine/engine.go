// Package engine implements the cooperative round scheduler and the
// in-process sweep: the top half of the system that advances every worker
// channel concurrently, merges their outstanding seeks into the fewest
// possible window refills, and tolerates a worker that crashes, hangs, or
// breaks protocol without losing any other worker's output.
//
// Round-teardown error aggregation uses github.com/hashicorp/go-multierror
// to collect every channel-destroy failure instead of stopping at the
// first.
package engine

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/ndurner/libextractor-sub002/internal/datasource"
	"github.com/ndurner/libextractor-sub002/internal/protocol"
	"github.com/ndurner/libextractor-sub002/internal/registry"
	"github.com/ndurner/libextractor-sub002/internal/shmwindow"
	"github.com/ndurner/libextractor-sub002/internal/worker"
	"github.com/ndurner/libextractor-sub002/internal/xconfig"
)

// Sink receives one discovered metadata item: the extractor's short name as
// origin, a format/type pair, an optional MIME string, and the value bytes.
// It returns true if the current file should be abandoned: within an
// out-of-process round, every later META from any worker is then answered
// DISCARD_STATE without reaching the sink.
type Sink func(origin string, format, typ uint16, mime string, value []byte) (stop bool)

// Engine runs one extraction pass over a data source with a configured set
// of extractors.
type Engine struct {
	cfg xconfig.Config
	log *logrus.Entry
}

// New builds an Engine with cfg's tuning knobs.
func New(cfg xconfig.Config, log *logrus.Entry) *Engine {
	return &Engine{cfg: cfg, log: log}
}

// Run drives every out-of-process extractor through the round scheduler and
// then every in-process extractor through the in-process sweep, reporting
// every discovered item to sink. Failures of the out-of-process round are
// logged, not returned: the returned error is always nil.
func (e *Engine) Run(fac *datasource.Facade, descs []registry.Descriptor, sink Sink) error {
	var outProc, inProc []registry.Descriptor
	for _, d := range descs {
		if d.Mode == registry.InProcess {
			inProc = append(inProc, d)
		} else {
			outProc = append(outProc, d)
		}
	}

	if meta, ok := fac.CompressorMeta(); ok {
		value := meta.Name
		if meta.Comment != "" {
			if value != "" {
				value += "\n"
			}
			value += meta.Comment
		}
		sink(meta.Origin, 0, 0, meta.Mime, []byte(value))
	}

	var result *multierror.Error
	if len(outProc) > 0 {
		if err := e.runOutOfProcess(fac, outProc, sink); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, d := range inProc {
		if err := e.runInProcess(fac, d, sink); err != nil {
			e.log.WithError(err).Warnf("in-process extractor %s failed", d.Short)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		e.log.WithError(err).Warn("engine: out-of-process round failed")
	}
	return nil
}

func (e *Engine) runOutOfProcess(fac *datasource.Facade, descs []registry.Descriptor, sink Sink) error {
	size, err := fac.Size(true)
	if err != nil {
		return fmt.Errorf("engine: determine file size: %w", err)
	}

	win, err := shmwindow.New(e.cfg.WindowSize)
	if err != nil {
		return fmt.Errorf("engine: create window: %w", err)
	}
	if _, err := win.Fill(fac, 0); err != nil {
		win.Destroy()
		return fmt.Errorf("engine: initial window fill: %w", err)
	}

	live := make([]*worker.Channel, 0, len(descs))
	for _, d := range descs {
		win.ChangeRefcount(1)
		c, serr := worker.Spawn(d, win, e.log, e.cfg.ReassemblyInitial, e.cfg.ReassemblyMax)
		if serr != nil {
			win.ChangeRefcount(-1)
			e.log.WithError(serr).Warnf("spawn %s failed", d.Short)
			continue
		}
		live = append(live, c)
	}
	defer func() {
		if win.ChangeRefcount(-1) == 0 {
			win.Destroy()
		}
	}()

	if len(live) == 0 {
		return nil
	}

	for i := 0; i < len(live); {
		c := live[i]
		if err := c.SendExtractStart(uint32(win.ReadyBytes), uint64(size)); err != nil {
			e.log.WithError(err).Warnf("%s: EXTRACT_START failed, retiring channel", c.Short)
			c.Destroy()
			live = append(live[:i], live[i+1:]...)
			continue
		}
		i++
	}
	if len(live) == 0 {
		return nil
	}

	return e.runRound(fac, win, live, sink)
}

// runRound is the scheduler loop: it advances every live channel until each
// has either finished its round or been retired, merging outstanding seeks
// into the fewest possible window refills along the way.
func (e *Engine) runRound(fac *datasource.Facade, win *shmwindow.Window, live []*worker.Channel, sink Sink) error {
	events := make(chan worker.Event, 64)
	for _, c := range live {
		go c.RunReader(events)
	}

	removeChannel := func(target *worker.Channel) {
		for i, c := range live {
			if c == target {
				live = append(live[:i], live[i+1:]...)
				return
			}
		}
	}

	// fileAborted latches once the sink asks to stop this file: from then
	// on every META (from any channel) is answered with DISCARD_STATE
	// without being delivered to the sink again.
	fileAborted := false

	for {
		pollSet := make([]*worker.Channel, 0, len(live))
		for _, c := range live {
			if c.PendingSeek == nil && !c.RoundFinished {
				pollSet = append(pollSet, c)
			}
		}

		if len(pollSet) == 0 {
			anySeek := false
			for _, c := range live {
				if c.PendingSeek != nil {
					anySeek = true
					break
				}
			}
			if !anySeek {
				break
			}
			if err := e.mergeSeeks(fac, win, live); err != nil {
				e.log.WithError(err).Warn("engine: seek merge failed, aborting round")
				break
			}
			continue
		}

		timer := time.NewTimer(e.cfg.MultiplexTimeout)
		select {
		case ev := <-events:
			timer.Stop()
			e.handleEvent(ev, fac, sink, &fileAborted, removeChannel)
		case <-timer.C:
			for _, c := range pollSet {
				e.log.Warnf("%s: no activity within multiplex timeout, retiring as hung", c.Short)
				c.Destroy()
				removeChannel(c)
			}
		}
	}

	var result *multierror.Error
	for _, c := range live {
		if err := c.Destroy(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// mergeSeeks fills the window once at the smallest outstanding requested
// offset and satisfies every channel whose target falls inside the
// refilled range. A channel whose target is exactly end-of-file gets a
// zero-byte window at that offset and is notified as well.
func (e *Engine) mergeSeeks(fac *datasource.Facade, win *shmwindow.Window, live []*worker.Channel) error {
	minOff := int64(-1)
	for _, c := range live {
		if c.PendingSeek == nil {
			continue
		}
		off := int64(c.PendingSeek.Offset)
		if minOff == -1 || off < minOff {
			minOff = off
		}
	}
	if minOff == -1 {
		return nil
	}
	if _, err := win.Fill(fac, minOff); err != nil {
		return fmt.Errorf("engine: refill at %d: %w", minOff, err)
	}
	for _, c := range live {
		if c.PendingSeek == nil {
			continue
		}
		target := int64(c.PendingSeek.Offset)
		atEOF := win.ReadyBytes == 0 && target == win.Offset
		if !atEOF && (target < win.Offset || target >= win.Offset+int64(win.ReadyBytes)) {
			continue // not covered by this refill; retried on a later merge
		}
		if err := c.SendUpdatedSHM(uint32(win.ReadyBytes), win.Offset, win.FileSize); err != nil {
			e.log.WithError(err).Warnf("%s: UPDATED_SHM failed, retiring channel", c.Short)
			c.Destroy()
			continue
		}
		c.PendingSeek = nil
		c.Ack()
	}
	return nil
}

func (e *Engine) handleEvent(ev worker.Event, fac *datasource.Facade, sink Sink, fileAborted *bool, remove func(*worker.Channel)) {
	c := ev.Ch
	if ev.Err != nil {
		e.log.WithError(ev.Err).Warnf("%s: channel failed, retiring", c.Short)
		c.Destroy()
		remove(c)
		return
	}
	switch ev.Op {
	case protocol.OpDone:
		c.RoundFinished = true
	case protocol.OpSeek:
		s := ev.Payload.(protocol.Seek)
		abs, err := e.resolveSeek(fac, s)
		if err != nil {
			e.log.WithError(err).Warnf("%s: bad SEEK, retiring", c.Short)
			c.Destroy()
			remove(c)
			return
		}
		c.PendingSeek = &protocol.Seek{Whence: protocol.WhenceSet, Requested: s.Requested, Offset: uint64(abs)}
	case protocol.OpMeta:
		m := ev.Payload.(protocol.Meta)
		var serr error
		if *fileAborted {
			serr = c.SendDiscardState()
		} else {
			typ := protocol.NormalizeMetaType(m.Type)
			stop := sink(c.Short, m.Format, typ, m.Mime, m.Value)
			if stop {
				*fileAborted = true
				serr = c.SendDiscardState()
			} else {
				serr = c.SendContinueExtracting()
			}
		}
		if serr != nil {
			e.log.WithError(serr).Warnf("%s: reply to META failed, retiring", c.Short)
			c.Destroy()
			remove(c)
			return
		}
		c.Ack()
	default:
		e.log.Warnf("%s: unexpected frame %s, retiring", c.Short, ev.Op)
		c.Destroy()
		remove(c)
	}
}

// resolveSeek converts a worker's SEEK request into an absolute offset.
// END-relative requests are resolved here, against the authoritative size,
// because only the engine ever forces full size discovery; a distance
// larger than the file clamps to size rather than to 0 (see DESIGN.md's
// Open Question decisions).
func (e *Engine) resolveSeek(fac *datasource.Facade, s protocol.Seek) (int64, error) {
	if s.Whence == protocol.WhenceSet {
		return int64(s.Offset), nil
	}
	size, err := fac.Size(true)
	if err != nil {
		return 0, err
	}
	abs := size - int64(s.Offset)
	if abs < 0 {
		abs = size
	}
	return abs, nil
}
