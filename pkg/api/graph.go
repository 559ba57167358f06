package api

import "fmt"

// BuildWorkflow compiles a step/transition definition into a validated,
// immutable Workflow. It performs no I/O; on any structural problem it
// returns a *GraphError and no Workflow.
//
// Conditional routes and approval branches count as edges of the graph in
// addition to the explicit transitions, so reachability and acyclicity see
// the whole picture.
func BuildWorkflow(id, version string, steps []Step, transitions []Transition, startID string) (*Workflow, error) {
	if id == "" {
		return nil, &GraphError{Kind: InvalidStep, Detail: "workflow id is required"}
	}
	if len(steps) == 0 {
		return nil, &GraphError{Kind: MissingStart, Detail: "workflow has no steps"}
	}
	if startID == "" {
		return nil, &GraphError{Kind: MissingStart, Detail: "start step id is empty"}
	}
	if version == "" {
		version = "v1"
	}

	w := &Workflow{
		id:       id,
		version:  version,
		startID:  startID,
		order:    make([]string, 0, len(steps)),
		steps:    make(map[string]Step, len(steps)),
		outgoing: make(map[string][]Transition),
	}

	for _, s := range steps {
		if s.ID == "" {
			return nil, &GraphError{Kind: InvalidStep, Detail: "step with empty id"}
		}
		if _, dup := w.steps[s.ID]; dup {
			return nil, &GraphError{Kind: DuplicateStep, StepID: s.ID}
		}
		if err := checkVariant(s); err != nil {
			return nil, err
		}
		w.order = append(w.order, s.ID)
		w.steps[s.ID] = s
	}

	if _, ok := w.steps[startID]; !ok {
		return nil, &GraphError{Kind: MissingStart, StepID: startID, Detail: "start step does not exist"}
	}

	// Assemble the full edge set: explicit transitions first, then the
	// edges implied by step payloads.
	edges := make([]Transition, 0, len(transitions))
	edges = append(edges, transitions...)
	for _, id := range w.order {
		s := w.steps[id]
		switch s.Kind {
		case KindConditional:
			for _, r := range s.Conditional.Routes {
				edges = append(edges, Transition{From: s.ID, To: r.To, When: r.When})
			}
			edges = append(edges, Transition{From: s.ID, To: s.Conditional.DefaultTo})
		case KindApproval:
			edges = append(edges, Transition{From: s.ID, To: s.Approval.ApprovedTo})
			edges = append(edges, Transition{From: s.ID, To: s.Approval.RejectedTo})
		}
	}

	for _, t := range edges {
		if _, ok := w.steps[t.From]; !ok {
			return nil, &GraphError{Kind: UnknownStep, StepID: t.From, Detail: "transition from unknown step"}
		}
		if _, ok := w.steps[t.To]; !ok {
			return nil, &GraphError{Kind: UnknownStep, StepID: t.To,
				Detail: fmt.Sprintf("transition from %q references unknown step", t.From)}
		}
		w.outgoing[t.From] = append(w.outgoing[t.From], t)
	}

	if err := checkRouting(w); err != nil {
		return nil, err
	}
	if err := checkAcyclic(w); err != nil {
		return nil, err
	}
	if err := checkReachability(w); err != nil {
		return nil, err
	}
	return w, nil
}

// checkVariant verifies that a step's kind agrees with its payload and
// that variant-specific requirements hold.
func checkVariant(s Step) error {
	payloads := 0
	if s.Action != nil {
		payloads++
	}
	if s.Conditional != nil {
		payloads++
	}
	if s.Approval != nil {
		payloads++
	}
	if s.Integration != nil {
		payloads++
	}
	if s.Terminal != nil {
		payloads++
	}
	if payloads != 1 {
		return &GraphError{Kind: InvalidStep, StepID: s.ID,
			Detail: fmt.Sprintf("step must carry exactly one variant payload, has %d", payloads)}
	}

	switch s.Kind {
	case KindAction:
		if s.Action == nil || s.Action.Fn == nil {
			return &GraphError{Kind: InvalidStep, StepID: s.ID, Detail: "action step requires a function"}
		}
	case KindConditional:
		if s.Conditional == nil {
			return &GraphError{Kind: InvalidStep, StepID: s.ID, Detail: "kind/payload mismatch"}
		}
		if s.Conditional.DefaultTo == "" {
			return &GraphError{Kind: MissingDefaultRoute, StepID: s.ID}
		}
		for i, r := range s.Conditional.Routes {
			if r.When == nil || r.To == "" {
				return &GraphError{Kind: InvalidStep, StepID: s.ID,
					Detail: fmt.Sprintf("route %d is incomplete", i)}
			}
		}
	case KindApproval:
		if s.Approval == nil {
			return &GraphError{Kind: InvalidStep, StepID: s.ID, Detail: "kind/payload mismatch"}
		}
		if s.Approval.Group == "" {
			return &GraphError{Kind: InvalidStep, StepID: s.ID, Detail: "approval step requires a group"}
		}
		if s.Approval.ApprovedTo == "" || s.Approval.RejectedTo == "" {
			return &GraphError{Kind: InvalidStep, StepID: s.ID,
				Detail: "approval step requires both approved and rejected routes"}
		}
	case KindIntegration:
		if s.Integration == nil || s.Integration.Service == "" {
			return &GraphError{Kind: InvalidStep, StepID: s.ID, Detail: "integration step requires a service"}
		}
	case KindTerminal:
		if s.Terminal == nil {
			return &GraphError{Kind: InvalidStep, StepID: s.ID, Detail: "kind/payload mismatch"}
		}
	default:
		return &GraphError{Kind: InvalidStep, StepID: s.ID,
			Detail: fmt.Sprintf("unknown step kind %q", s.Kind)}
	}
	return nil
}

// checkRouting enforces the per-kind fan-out rules: terminal steps sink,
// action and integration steps have exactly one unconditional successor.
func checkRouting(w *Workflow) error {
	for _, id := range w.order {
		s := w.steps[id]
		out := w.outgoing[id]
		switch s.Kind {
		case KindTerminal:
			if len(out) > 0 {
				return &GraphError{Kind: AmbiguousRoute, StepID: id,
					Detail: "terminal step has outgoing transitions"}
			}
		case KindAction, KindIntegration:
			unconditional := 0
			for _, t := range out {
				if t.When == nil {
					unconditional++
				}
			}
			if unconditional == 0 {
				return &GraphError{Kind: DeadEndStep, StepID: id,
					Detail: "step has no unconditional successor"}
			}
			if unconditional > 1 {
				return &GraphError{Kind: AmbiguousRoute, StepID: id,
					Detail: "step has more than one unconditional successor"}
			}
		}
	}
	return nil
}

// checkAcyclic runs Kahn's algorithm; any leftover nodes sit on a cycle,
// and a DFS through them names one offending path.
func checkAcyclic(w *Workflow) error {
	indeg := make(map[string]int, len(w.steps))
	for id := range w.steps {
		indeg[id] = 0
	}
	for _, out := range w.outgoing {
		for _, t := range out {
			indeg[t.To]++
		}
	}

	queue := make([]string, 0, len(w.steps))
	for _, id := range w.order {
		if indeg[id] == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, t := range w.outgoing[id] {
			indeg[t.To]--
			if indeg[t.To] == 0 {
				queue = append(queue, t.To)
			}
		}
	}
	if visited == len(w.steps) {
		return nil
	}

	// Remaining nodes with positive in-degree form the cycle set.
	for _, id := range w.order {
		if indeg[id] > 0 {
			if path := cyclePath(w, id, indeg); path != nil {
				return &GraphError{Kind: CycleDetected, Path: path}
			}
		}
	}
	return &GraphError{Kind: CycleDetected, Detail: "cycle present but no path recovered"}
}

// cyclePath walks forward from start through cycle-set nodes until a node
// repeats, then returns the loop portion of the walk.
func cyclePath(w *Workflow, start string, indeg map[string]int) []string {
	seen := make(map[string]int)
	path := []string{}
	cur := start
	for {
		if at, ok := seen[cur]; ok {
			loop := append([]string{}, path[at:]...)
			return append(loop, cur)
		}
		seen[cur] = len(path)
		path = append(path, cur)

		next := ""
		for _, t := range w.outgoing[cur] {
			if indeg[t.To] > 0 {
				next = t.To
				break
			}
		}
		if next == "" {
			return nil
		}
		cur = next
	}
}

// checkReachability verifies every step is reachable from the start step
// and every non-terminal step can reach some terminal step.
func checkReachability(w *Workflow) error {
	reachable := map[string]bool{w.startID: true}
	queue := []string{w.startID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, t := range w.outgoing[id] {
			if !reachable[t.To] {
				reachable[t.To] = true
				queue = append(queue, t.To)
			}
		}
	}
	for _, id := range w.order {
		if !reachable[id] {
			return &GraphError{Kind: UnreachableStep, StepID: id}
		}
	}

	// Reverse walk from the terminal steps.
	incoming := make(map[string][]string)
	for from, out := range w.outgoing {
		for _, t := range out {
			incoming[t.To] = append(incoming[t.To], from)
		}
	}
	sinks := map[string]bool{}
	queue = queue[:0]
	for _, id := range w.order {
		if w.steps[id].Kind == KindTerminal {
			sinks[id] = true
			queue = append(queue, id)
		}
	}
	if len(queue) == 0 {
		return &GraphError{Kind: DeadEndStep, Detail: "workflow has no terminal step"}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, from := range incoming[id] {
			if !sinks[from] {
				sinks[from] = true
				queue = append(queue, from)
			}
		}
	}
	for _, id := range w.order {
		if !sinks[id] {
			return &GraphError{Kind: DeadEndStep, StepID: id}
		}
	}
	return nil
}
