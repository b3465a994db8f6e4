package domain

// Pipeline is an ordered set of nodes. The first node is the entry point.
type Pipeline struct {
	ID          string
	Version     int
	Description string
	Nodes       []PipelineNode
}

// PipelineNode is a single step of a pipeline.
type PipelineNode struct {
	ID     string
	Type   string                 // tcp.request, passthrough, terminal.error
	Config map[string]interface{} // Node-specific configuration
	On     NodeHandlers
}

// NodeHandlers names the node to run next for each outcome.
type NodeHandlers struct {
	Success string
	Failure string
	Timeout string // falls back to Failure when empty
	Else    string
}

// FindNode returns the node with the given ID or nil.
func (p *Pipeline) FindNode(id string) *PipelineNode {
	if p == nil {
		return nil
	}
	for i := range p.Nodes {
		if p.Nodes[i].ID == id {
			return &p.Nodes[i]
		}
	}
	return nil
}
