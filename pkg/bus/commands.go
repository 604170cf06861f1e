package bus

// Command names carried in the envelope. Producers and consumers agree on
// these strings; anything else reaching the conductor is logged and dropped.
const (
	CmdNewCaseFound             = "new_case_found"
	CmdExecuteCommand           = "execute_command"
	CmdExecutionSucceeded       = "execution_succeeded"
	CmdExecutionFailed          = "execution_failed"
	CmdUploadCase               = "upload_case"
	CmdCaseUploadCompleted      = "case_upload_completed"
	CmdDownloadResults          = "download_results"
	CmdDownloadCompleted        = "download_completed"
	CmdResultsDownloadCompleted = "results_download_completed"
	CmdFileTransferFailed       = "file_transfer_failed"
	CmdSystemMonitor            = "system_monitor"
	CmdMalformedMessage         = "malformed_message"
)
