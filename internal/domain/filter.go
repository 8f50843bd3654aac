package domain

type SessionFilter struct {
	Status *TorrentStatus `json:"status,omitempty"`
	Limit  int            `json:"limit,omitempty"`
}
