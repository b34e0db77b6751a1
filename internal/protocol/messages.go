package protocol

// SubscribeMsg is the first message an observer sends. Watcher selects the
// ownership changes addressed to that watcher id; All selects every change.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Watcher         string `json:"watcher,omitempty"`
	All             bool   `json:"all,omitempty"`
}

// OwnershipMsg reports one cell changing hands. Owner is empty when the cell
// went back to the ordinary grid.
type OwnershipMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint64 `json:"tick"`
	CX              int32  `json:"cx"`
	CZ              int32  `json:"cz"`
	Owner           string `json:"owner,omitempty"`
}

type ClaimInfo struct {
	CenterX int32 `json:"center_x"`
	CenterZ int32 `json:"center_z"`
	Radius  int32 `json:"radius"`
}

type ClaimantInfo struct {
	ID     string     `json:"id"`
	Name   string     `json:"name"`
	Claim  *ClaimInfo `json:"claim,omitempty"`
	Active bool       `json:"active"`
}

type OwnerResponse struct {
	X     int32  `json:"x"`
	Z     int32  `json:"z"`
	Owner string `json:"owner,omitempty"`
	Name  string `json:"name,omitempty"`
}

// BlockResponse reports one block by world coordinates. Owner is empty on
// the ordinary grid.
type BlockResponse struct {
	X     int32  `json:"x"`
	Z     int32  `json:"z"`
	Block uint16 `json:"block"`
	Name  string `json:"name"`
	Owner string `json:"owner,omitempty"`
}

type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}
