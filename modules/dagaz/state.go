package dagaz

// State is the dagaz state shared by the participants of a session.
type State struct {
	SpatialPartition SpatialPartition
}
