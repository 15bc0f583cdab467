package manager

// Message is the closed set of inputs a Manager processes. Only types in this
// file implement it.
type Message interface {
	managerMessage()
}

// SubscriberConnect attaches Sink as the only notification receiver.
type SubscriberConnect struct {
	Sink Sink
}

// SubscriberDownloads submits new links for the account.
type SubscriberDownloads struct {
	Links []string
}

// SubscriberRefresh asks for the in-memory snapshot.
type SubscriberRefresh struct{}

// SubscriberDisconnect detaches Sink. A nil Sink detaches whatever is attached.
type SubscriberDisconnect struct {
	Sink Sink
}

// DownloadNotFound is reported when the provider cannot resolve a link.
type DownloadNotFound struct {
	ID string
}

// DownloadAcquired is reported once the provider resolved a link to RealURL.
type DownloadAcquired struct {
	ID      string
	RealURL string
}

// DownloadStarted is reported when a fetch worker begins transferring bytes.
type DownloadStarted struct {
	ID string
}

type DownloadProgress struct {
	ID      string
	Written int64
	Total   int64
}

type DownloadComplete struct {
	ID string
}

// DownloadError is informational: a worker hit a problem it may recover from.
type DownloadError struct {
	ID  string
	Err error
}

// DownloadFailed ends an ACTIVE download in ERROR.
type DownloadFailed struct {
	ID  string
	Err error
}

func (SubscriberConnect) managerMessage()    {}
func (SubscriberDownloads) managerMessage()  {}
func (SubscriberRefresh) managerMessage()    {}
func (SubscriberDisconnect) managerMessage() {}
func (DownloadNotFound) managerMessage()     {}
func (DownloadAcquired) managerMessage()     {}
func (DownloadStarted) managerMessage()      {}
func (DownloadProgress) managerMessage()     {}
func (DownloadComplete) managerMessage()     {}
func (DownloadError) managerMessage()        {}
func (DownloadFailed) managerMessage()       {}

func messageName(msg Message) string {
	switch msg.(type) {
	case SubscriberConnect:
		return "subscriber_connect"
	case SubscriberDownloads:
		return "subscriber_downloads"
	case SubscriberRefresh:
		return "subscriber_refresh"
	case SubscriberDisconnect:
		return "subscriber_disconnect"
	case DownloadNotFound:
		return "download_not_found"
	case DownloadAcquired:
		return "download_acquired"
	case DownloadStarted:
		return "download_started"
	case DownloadProgress:
		return "download_progress"
	case DownloadComplete:
		return "download_complete"
	case DownloadError:
		return "download_error"
	case DownloadFailed:
		return "download_failed"
	default:
		return "unknown"
	}
}
