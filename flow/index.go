package flow

// Index provides O(1) lookups over a flow's nodes and connections. A flow may
// be re-traversed on every invocation, so the maps are built once up front.
// The index holds no mutable state; build a fresh one per invocation.
type Index struct {
	flow    *Flow
	nodes   map[string]NodeInstance
	edges   map[string]Connection // (sourceNodeID, sourceHandle) -> first matching connection
	trigger *NodeInstance
	params  TriggerParams
}

func edgeKey(nodeID, handle string) string {
	return nodeID + "\x00" + handle
}

// NewIndex builds a lookup index for a flow. Connections are indexed by
// (sourceNodeID, sourceHandle); when a handle fans out, the first connection
// in stored order wins, which keeps single-path traversal deterministic.
func NewIndex(f *Flow) *Index {
	idx := &Index{
		flow:  f,
		nodes: make(map[string]NodeInstance, len(f.Nodes)),
		edges: make(map[string]Connection, len(f.Connections)),
	}
	for _, n := range f.Nodes {
		idx.nodes[n.ID] = n
		if n.Kind == KindTrigger && idx.trigger == nil {
			node := n
			idx.trigger = &node
			if p, err := DecodeTriggerParams(n); err == nil {
				idx.params = p
			}
		}
	}
	for _, c := range f.Connections {
		key := edgeKey(c.SourceNodeID, c.SourceHandle)
		if _, exists := idx.edges[key]; !exists {
			idx.edges[key] = c
		}
	}
	return idx
}

// Flow returns the indexed flow.
func (idx *Index) Flow() *Flow {
	return idx.flow
}

// NodeByID returns the node with the given ID.
func (idx *Index) NodeByID(id string) (NodeInstance, bool) {
	n, ok := idx.nodes[id]
	return n, ok
}

// FirstConnectionFrom returns the first connection whose source matches
// (nodeID, handle), or false when the handle has no outgoing connection.
func (idx *Index) FirstConnectionFrom(nodeID, handle string) (Connection, bool) {
	c, ok := idx.edges[edgeKey(nodeID, handle)]
	return c, ok
}

// Trigger returns the flow's trigger node and its decoded parameters.
func (idx *Index) Trigger() (NodeInstance, TriggerParams, bool) {
	if idx.trigger == nil {
		return NodeInstance{}, TriggerParams{}, false
	}
	return *idx.trigger, idx.params, true
}

// ViewByID returns the view with the given ID from the flow's end action.
func (idx *Index) ViewByID(id string) (View, bool) {
	for _, v := range idx.flow.EndAction.Views {
		if v.ID == id {
			return v, true
		}
	}
	return View{}, false
}

// ActionConnection returns the flow's action connection for (viewID, actionName).
func (idx *Index) ActionConnection(viewID, actionName string) (ActionConnection, bool) {
	for _, ac := range idx.flow.ActionConnections {
		if ac.ViewID == viewID && ac.ActionName == actionName {
			return ac, true
		}
	}
	return ActionConnection{}, false
}

// ResolveTool locates the flow within an app whose active or inactive trigger
// declares the given tool name. It returns the flow's index and the trigger
// parameters; callers decide how to treat inactive triggers.
func ResolveTool(app *App, toolName string) (*Index, TriggerParams, bool) {
	for i := range app.Flows {
		idx := NewIndex(&app.Flows[i])
		_, params, ok := idx.Trigger()
		if !ok {
			continue
		}
		if params.ToolName == toolName {
			return idx, params, true
		}
	}
	return nil, TriggerParams{}, false
}
