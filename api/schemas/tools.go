package schemas

// -- Tool Names --
//
// Canonical names for every bridge tool. The catalog, dispatcher and
// automation engine all key on these.
const (
	ToolLogin            = "sei_login"
	ToolSearchProcess    = "sei_search_process"
	ToolOpenProcess      = "sei_open_process"
	ToolSearchAndOpen    = "sei_search_and_open"
	ToolListDocuments    = "sei_list_documents"
	ToolCreateDocument   = "sei_create_document"
	ToolSignDocument     = "sei_sign_document"
	ToolForwardProcess   = "sei_forward_process"
	ToolGetStatus        = "sei_get_status"
	ToolScreenshot       = "sei_screenshot"
	ToolSnapshot         = "sei_snapshot"
	ToolNavigate         = "sei_navigate"
	ToolClick            = "sei_click"
	ToolFill             = "sei_fill"
	ToolGetPageContent   = "sei_get_page_content"
	ToolOpenURL          = "sei_open_url"
	ToolWaitForExtension = "sei_wait_for_extension"
	ToolConnectionStatus = "sei_get_connection_status"
)

// Snapshot scopes accepted by ToolSnapshot.
const (
	SnapshotScopeFull = "full"
	SnapshotScopeTree = "tree"
	SnapshotScopeView = "view"
	SnapshotScopeMain = "main"
)

// -- Diagnostics --

// DiagnosticBundle is attached to an element-location failure so the
// caller can see what the page actually contained.
type DiagnosticBundle struct {
	ScreenshotB64 string `json:"screenshot_b64,omitempty"`
	Elements      string `json:"elements,omitempty"`
	URL           string `json:"url,omitempty"`
}
