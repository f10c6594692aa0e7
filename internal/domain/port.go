package domain

// Port reservation owner kinds.
const (
	PortOwnerProject  = "project"
	PortOwnerPreview  = "preview"
	PortOwnerDatabase = "database"
)

// PortReservation pins a host port on a server to one owner.
type PortReservation struct {
	ServerID  string
	Port      int
	OwnerKind string
	OwnerID   string
}
