// Package worker implements the engine-side worker channel: one worker
// process, its bidirectional pipes, and a reassembly buffer that grows
// (doubling, capped by configuration) to hold partially-received frames.
//
// Go has no portable fork(); every channel is spawned by self-exec'ing the
// current binary into a hidden worker-bootstrap mode (internal/workerproc),
// so every platform takes that path rather than treating it as a fallback.
package worker

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/ndurner/libextractor-sub002/internal/protocol"
	"github.com/ndurner/libextractor-sub002/internal/registry"
	"github.com/ndurner/libextractor-sub002/internal/shmwindow"
)

// WorkerEnvVar, when set in a spawned child's environment, tells it to run
// as a worker (internal/workerproc.Main) instead of the normal program.
const WorkerEnvVar = "LIBEXTRACTOR_SUB002_WORKER"

// defaultReassemblyInitial/defaultReassemblyMax are the fallback reassembly
// buffer bounds used when a caller passes a zero value to Spawn (e.g. a
// zero-value xconfig.Config).
const (
	defaultReassemblyInitial = 1 << 10
	defaultReassemblyMax     = 32 << 20
)

// Event is one decoded frame (or a terminal error) surfaced by a Channel's
// reader goroutine to the round scheduler's fan-in.
type Event struct {
	Ch      *Channel
	Op      protocol.Opcode
	Payload interface{}
	Err     error // non-nil: the channel must be destroyed
}

// Channel is one worker process plus its pipes.
type Channel struct {
	Short string
	Flags registry.Flags

	cmd      *exec.Cmd
	toWorker io.WriteCloser
	fromWork io.ReadCloser

	win *shmwindow.Window

	PendingSeek   *protocol.Seek
	RoundFinished bool

	reassembly    []byte
	validLen      int
	reassemblyMax int

	proceed chan struct{}
	log     *logrus.Entry
}

// Spawn starts desc's worker process, attaches it to win (if non-nil — the
// in-process sweep never spawns a channel at all), and performs the
// bootstrap handshake: length-prefixed descriptor strings followed by
// INIT_STATE. reassemblyInitial/reassemblyMax bound the channel's
// reassembly buffer; a zero value falls back to a built-in default.
func Spawn(desc registry.Descriptor, win *shmwindow.Window, log *logrus.Entry, reassemblyInitial, reassemblyMax int) (*Channel, error) {
	if reassemblyInitial <= 0 {
		reassemblyInitial = defaultReassemblyInitial
	}
	if reassemblyMax <= 0 {
		reassemblyMax = defaultReassemblyMax
	}
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("worker: resolve self executable: %w", err)
	}

	engineToWorkerR, engineToWorkerW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("worker: pipe: %w", err)
	}
	workerToEngineR, workerToEngineW, err := os.Pipe()
	if err != nil {
		engineToWorkerR.Close()
		engineToWorkerW.Close()
		return nil, fmt.Errorf("worker: pipe: %w", err)
	}

	cmd := exec.Command(self, "--worker-bootstrap")
	cmd.Env = append(os.Environ(), WorkerEnvVar+"=1")
	cmd.ExtraFiles = []*os.File{engineToWorkerR, workerToEngineW}
	if desc.Flags.Has(registry.CloseStdio) {
		if devnull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0); err == nil {
			cmd.Stdout = devnull
			cmd.Stderr = devnull
		}
	} else {
		cmd.Stdout = os.Stderr // worker diagnostics never pollute the sink's stdout
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		engineToWorkerR.Close()
		engineToWorkerW.Close()
		workerToEngineR.Close()
		workerToEngineW.Close()
		return nil, fmt.Errorf("worker: spawn %s: %w", desc.Short, err)
	}
	engineToWorkerR.Close()
	workerToEngineW.Close()

	c := &Channel{
		Short:         desc.Short,
		Flags:         desc.Flags,
		cmd:           cmd,
		toWorker:      engineToWorkerW,
		fromWork:      workerToEngineR,
		win:           win,
		reassembly:    make([]byte, reassemblyInitial),
		reassemblyMax: reassemblyMax,
		proceed:       make(chan struct{}, 1),
		log:           log,
	}

	if err := c.bootstrap(desc, win); err != nil {
		c.Destroy()
		return nil, err
	}
	return c, nil
}

// NewPipeChannel builds a Channel over an already-connected pair of pipes
// instead of spawning a process. It exists for tests that need to drive the
// round scheduler's channel-level logic (reassembly, gating, retirement)
// without a real worker subprocess; production code always goes through
// Spawn.
func NewPipeChannel(short string, flags registry.Flags, toWorker io.WriteCloser, fromWork io.ReadCloser, win *shmwindow.Window, reassemblyInitial, reassemblyMax int) *Channel {
	if reassemblyInitial <= 0 {
		reassemblyInitial = defaultReassemblyInitial
	}
	if reassemblyMax <= 0 {
		reassemblyMax = defaultReassemblyMax
	}
	return &Channel{
		Short:         short,
		Flags:         flags,
		toWorker:      toWorker,
		fromWork:      fromWork,
		win:           win,
		reassembly:    make([]byte, reassemblyInitial),
		reassemblyMax: reassemblyMax,
		proceed:       make(chan struct{}, 1),
	}
}

func (c *Channel) bootstrap(desc registry.Descriptor, win *shmwindow.Window) error {
	if err := protocol.EncodeBootstrap(c.toWorker, byte(desc.Flags), desc.Library, desc.Short, desc.Options); err != nil {
		return fmt.Errorf("worker: bootstrap write: %w", err)
	}
	name, size := "", 0
	if win != nil {
		name, size = win.Name, win.Size
	}
	if err := protocol.EncodeInitState(c.toWorker, protocol.InitState{ShmName: []byte(name), ShmSize: uint32(size)}); err != nil {
		return fmt.Errorf("worker: INIT_STATE: %w", err)
	}
	return nil
}

// SendExtractStart multicasts EXTRACT_START to begin a round.
func (c *Channel) SendExtractStart(shmReady uint32, fileSize uint64) error {
	return protocol.EncodeExtractStart(c.toWorker, protocol.ExtractStart{ShmReady: shmReady, FileSize: fileSize})
}

// SendUpdatedSHM notifies the worker the window has moved.
func (c *Channel) SendUpdatedSHM(shmReady uint32, shmOffset int64, fileSize int64) error {
	return protocol.EncodeUpdatedSHM(c.toWorker, protocol.UpdatedSHM{
		ShmReady: shmReady, ShmOffset: uint64(shmOffset), FileSize: uint64(fileSize),
	})
}

// SendDiscardState tells the worker to abandon the current extraction.
func (c *Channel) SendDiscardState() error {
	return protocol.EncodeDiscardState(c.toWorker)
}

// SendContinueExtracting acks a META frame.
func (c *Channel) SendContinueExtracting() error {
	return protocol.EncodeContinueExtracting(c.toWorker)
}

// Ack unblocks the reader goroutine after it has delivered a SEEK or META
// event and the scheduler has sent the corresponding reply — see RunReader
// for why this ordering is what lets the channel detect a worker that
// pipelines requests without waiting for its reply.
func (c *Channel) Ack() {
	select {
	case c.proceed <- struct{}{}:
	default:
	}
}

// RunReader is the channel's reader goroutine: it reads into the
// reassembly buffer (doubling, capped at the channel's configured maximum),
// decodes whole frames, and emits one Event per frame onto out. After a
// SEEK or META frame it blocks on c.proceed (signalled by Ack once the
// scheduler has replied) before decoding anything further; if a complete
// next frame is already sitting in the buffer at that point, the worker
// pipelined a request without waiting for its reply, a protocol violation,
// and the channel is retired.
func (c *Channel) RunReader(out chan<- Event) {
	readBuf := make([]byte, 32<<10)
	for {
		n, err := c.fromWork.Read(readBuf)
		if n > 0 {
			if rerr := c.appendReassembly(readBuf[:n]); rerr != nil {
				out <- Event{Ch: c, Err: rerr}
				return
			}
		}
		if err != nil {
			out <- Event{Ch: c, Err: fmt.Errorf("worker: pipe closed: %w", err)}
			return
		}
		if n == 0 {
			out <- Event{Ch: c, Err: io.EOF}
			return
		}

		for {
			consumed, op, payload, derr := protocol.Decode(c.reassembly[:c.validLen])
			if derr == protocol.ErrTruncated {
				break
			}
			if derr != nil {
				out <- Event{Ch: c, Err: derr}
				return
			}
			copy(c.reassembly, c.reassembly[consumed:c.validLen])
			c.validLen -= consumed

			out <- Event{Ch: c, Op: op, Payload: payload}

			if op == protocol.OpSeek || op == protocol.OpMeta {
				<-c.proceed
				if hasCompleteFrame(c.reassembly[:c.validLen]) {
					out <- Event{Ch: c, Err: fmt.Errorf("worker: %s pipelined a request without awaiting its reply", c.Short)}
					return
				}
			}
		}
	}
}

func hasCompleteFrame(buf []byte) bool {
	_, _, _, err := protocol.Decode(buf)
	return err != protocol.ErrTruncated
}

// appendReassembly grows the reassembly buffer (doubling) as needed,
// refusing the append once it would exceed the channel's configured cap.
func (c *Channel) appendReassembly(b []byte) error {
	need := c.validLen + len(b)
	if need > c.reassemblyMax {
		return fmt.Errorf("worker: reassembly buffer would exceed %d bytes", c.reassemblyMax)
	}
	if need > len(c.reassembly) {
		newCap := len(c.reassembly)
		for newCap < need {
			newCap *= 2
		}
		if newCap > c.reassemblyMax {
			newCap = c.reassemblyMax
		}
		grown := make([]byte, newCap)
		copy(grown, c.reassembly[:c.validLen])
		c.reassembly = grown
	}
	copy(c.reassembly[c.validLen:], b)
	c.validLen += len(b)
	return nil
}

// Destroy signals the worker with an unmaskable termination, reaps it,
// closes both pipes, and frees the reassembly buffer.
func (c *Channel) Destroy() error {
	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Signal(unix.SIGKILL)
		_, _ = c.cmd.Process.Wait()
	}
	var err error
	if c.toWorker != nil {
		err = c.toWorker.Close()
	}
	if c.fromWork != nil {
		if cerr := c.fromWork.Close(); err == nil {
			err = cerr
		}
	}
	c.reassembly = nil
	if c.win != nil {
		if c.win.ChangeRefcount(-1) == 0 {
			if derr := c.win.Destroy(); err == nil {
				err = derr
			}
		}
		c.win = nil
	}
	return err
}

// WaitDeadline is a small helper giving a bound on how long to wait for a
// spawned worker to exit on its own.
func WaitDeadline() time.Duration { return 2 * time.Second }
