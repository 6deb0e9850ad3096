package planner

// PlanNode is one level of a hierarchical plan view.
type PlanNode struct {
	ID       string     `json:"id"`
	Label    string     `json:"label"`
	Children []PlanNode `json:"children,omitempty"`
}

// Hierarchy renders a plan as a goal-rooted tree with one child per step.
// Steps with assigned agents get a leaf naming the assignment.
func Hierarchy(plan Plan) PlanNode {
	root := PlanNode{ID: "root", Label: plan.Goal}
	for _, step := range plan.Steps {
		node := PlanNode{ID: step.ID, Label: step.Description}
		if step.Agent != "" {
			node.Children = append(node.Children, PlanNode{
				ID:    step.ID + ":agent",
				Label: step.Agent,
			})
		}
		root.Children = append(root.Children, node)
	}
	return root
}
