package sharing

// Visualization is a graph projection of a document's sharing tree.
type Visualization struct {
	Nodes []VisualNode `json:"nodes"`
	Edges []VisualEdge `json:"edges"`
}

// VisualNode is one distinct user appearing in the tree.
type VisualNode struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Role  string `json:"role"`
	// Depth is the shallowest hop at which the user received the document.
	Depth int `json:"depth"`
}

// VisualEdge is one share between two nodes.
type VisualEdge struct {
	ID       string     `json:"id"`
	Source   string     `json:"source"`
	Target   string     `json:"target"`
	Status   EdgeStatus `json:"status"`
	Depth    int        `json:"depth"`
	ParentID *string    `json:"parentId,omitempty"`
}

const (
	roleOwner     = "owner"
	roleRecipient = "recipient"
)

// Visualize projects edges into one node per user and one visual edge per
// share. Edges are expected oldest first.
func Visualize(ownerUserID string, edges []*Edge) Visualization {
	v := Visualization{Nodes: []VisualNode{}, Edges: make([]VisualEdge, 0, len(edges))}
	index := make(map[string]int)

	addNode := func(userID string, depth int) {
		if i, ok := index[userID]; ok {
			if depth < v.Nodes[i].Depth {
				v.Nodes[i].Depth = depth
			}
			return
		}
		role := roleRecipient
		if userID == ownerUserID {
			role = roleOwner
			depth = 0
		}
		index[userID] = len(v.Nodes)
		v.Nodes = append(v.Nodes, VisualNode{ID: userID, Label: userID, Role: role, Depth: depth})
	}

	if ownerUserID != "" {
		addNode(ownerUserID, 0)
	}
	for _, e := range edges {
		addNode(e.FromUserID, e.Depth-1)
		addNode(e.ToUserID, e.Depth)
		v.Edges = append(v.Edges, VisualEdge{
			ID:       e.ID,
			Source:   e.FromUserID,
			Target:   e.ToUserID,
			Status:   e.Status,
			Depth:    e.Depth,
			ParentID: e.ParentChainID,
		})
	}
	return v
}
