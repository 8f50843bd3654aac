package domain

// EngineSettings is the process-wide engine configuration, built once by the
// resource pool.
type EngineSettings struct {
	DownloadDir         string
	ListenPort          int
	DisableUTP          bool
	MaxConnections      int
	MaxHalfOpen         int
	MaxUploadRate       int64 // bytes/sec, 0 = unlimited
	MaxDownloadRate     int64 // bytes/sec, 0 = unlimited
	EncryptionPreferred bool
	EncryptionRequired  bool
	MuteEngineLog       bool
}

// TorrentSettings applies to every managed torrent.
type TorrentSettings struct {
	UploadSlots    int
	MaxConnections int
}

func DefaultTorrentSettings() TorrentSettings {
	return TorrentSettings{UploadSlots: 10, MaxConnections: 200}
}
