package planner

// Snapshot is a point-in-time view of the queue for telemetry.
type Snapshot struct {
	Depth    int              `json:"depth"`
	Capacity int              `json:"capacity"`
	Head     int              `json:"head"`
	Tail     int              `json:"tail"`
	Position [NumAxes]float64 `json:"position"`
	Blocks   []BlockSummary   `json:"blocks"`
}

type BlockSummary struct {
	Slot            int     `json:"slot"`
	State           string  `json:"state"`
	Tool            int     `json:"tool"`
	Continued       bool    `json:"continued,omitempty"`
	Millimeters     float64 `json:"millimeters"`
	NominalSpeed    float64 `json:"nominal_speed"`
	EntrySpeed      float64 `json:"entry_speed"`
	MaxEntrySpeed   float64 `json:"max_entry_speed"`
	StepEventCount  uint32  `json:"step_event_count"`
	InitialRate     uint32  `json:"initial_rate"`
	FinalRate       uint32  `json:"final_rate"`
	AccelerateUntil uint32  `json:"accelerate_until"`
	DecelerateAfter uint32  `json:"decelerate_after"`
}

// Snapshot copies the queued blocks, oldest first.
func (q *Queue) Snapshot() Snapshot {
	q.pmu.Lock()
	defer q.pmu.Unlock()
	q.mu.Lock()
	defer q.mu.Unlock()

	tail, head := q.tail.Load(), q.head.Load()
	s := Snapshot{
		Depth:    q.span(tail, head),
		Capacity: q.Capacity(),
		Head:     int(head),
		Tail:     int(tail),
		Position: q.positionMM(),
		Blocks:   make([]BlockSummary, 0, q.span(tail, head)),
	}
	for i := tail; i != head; i = q.next(i) {
		b := &q.blocks[i]
		s.Blocks = append(s.Blocks, BlockSummary{
			Slot:            int(i),
			State:           b.State().String(),
			Tool:            b.Tool,
			Continued:       b.Continued(),
			Millimeters:     b.Millimeters,
			NominalSpeed:    b.NominalSpeed,
			EntrySpeed:      b.EntrySpeed,
			MaxEntrySpeed:   b.MaxEntrySpeed,
			StepEventCount:  b.StepEventCount,
			InitialRate:     b.InitialRate,
			FinalRate:       b.FinalRate,
			AccelerateUntil: b.AccelerateUntil,
			DecelerateAfter: b.DecelerateAfter,
		})
	}
	return s
}
