package consumer

import (
	"context"
	"fmt"
	"io"
	"sync"

	"go.bug.st/serial"

	"meshmotion/pkg/errors"
	"meshmotion/pkg/planner"
	"meshmotion/pkg/pool"
)

// FormatBlock renders a block as one line of text:
//
//	B t0 n800 s800,0,0,0 d0000 r800/4000/120 a240000 p32/767
func FormatBlock(b *planner.Block) string {
	return fmt.Sprintf(blockFormat, blockArgs(b)...)
}

const blockFormat = "B t%d n%d s%d,%d,%d,%d d%04b r%d/%d/%d a%d p%d/%d\n"

func blockArgs(b *planner.Block) []any {
	return []any{
		b.Tool, b.StepEventCount,
		b.Steps[planner.X], b.Steps[planner.Y], b.Steps[planner.Z], b.Steps[planner.E],
		b.DirectionBits,
		b.InitialRate, b.NominalRate, b.FinalRate,
		b.AccelerationStepsPerS2, b.AccelerateUntil, b.DecelerateAfter,
	}
}

// SerialSink writes every block as a text line to a serial port or any
// other writer.
type SerialSink struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	lines  int
}

// NewSerialSink writes to w.
func NewSerialSink(w io.Writer) *SerialSink {
	s := &SerialSink{w: w}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// OpenSerial opens port at baud, 8N1.
func OpenSerial(port string, baud int) (*SerialSink, error) {
	p, err := serial.Open(port, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, errors.TransportError(err, "open "+port)
	}
	return NewSerialSink(p), nil
}

func (s *SerialSink) Execute(_ context.Context, b *planner.Block) error {
	line := pool.GetLine()
	defer pool.PutLine(line)
	fmt.Fprintf(line, blockFormat, blockArgs(b)...)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(line.Bytes()); err != nil {
		return errors.TransportError(err, "write block")
	}
	s.lines++
	return nil
}

// Lines is the number of blocks written.
func (s *SerialSink) Lines() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lines
}

func (s *SerialSink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
