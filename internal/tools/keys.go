package tools

// Well-known tool keys. The local:: namespace holds built-in tools; MCP
// servers register under their own server-id prefix.
const (
	KeyFileRead       = "local::file_read"
	KeyFileWrite      = "local::file_write"
	KeyFileEdit       = "local::file_edit"
	KeyApplyPatch     = "local::apply_patch"
	KeyDirectoryList  = "local::directory_list"
	KeySearchFiles    = "local::search_files"
	KeyExecuteCommand = "local::execute_command"
	KeyWebFetch       = "local::web_fetch"

	// Virtual tools intercepted by the runner rather than dispatched.
	KeyDelegate          = "local::delegate"
	KeyDelegateParallel  = "local::delegate_parallel"
	KeyAttemptCompletion = "local::attempt_completion"
)

// CompletionTagName is the XML tag models on the text protocol use to
// signal task completion.
const CompletionTagName = "attempt_completion"

// readOnlyKeys are tools the runner may dispatch concurrently when a
// reply contains only reads.
var readOnlyKeys = map[string]bool{
	KeyFileRead:      true,
	KeyDirectoryList: true,
	KeySearchFiles:   true,
}

// IsReadOnlyKey reports whether key names a built-in read-only tool.
// Registered tools carry their own Kind; this covers resolution paths
// that only have the key.
func IsReadOnlyKey(key string) bool { return readOnlyKeys[key] }
