package descriptions

import "sort"

// Tool descriptions shown to MCP clients, with the workflow each tool belongs to

const (
	FormUploadDescription = `Upload a local fillable PDF for a user and index its input regions.

**When to use:** First step for any form. The document is stored under the server's storage directory and its fields are numbered 1..N in reading order (page, then row, then left to right).

**Examples:**
• "Upload ~/forms/intake.pdf for user 3"

**Returns:** the stored document record. fillable=false means no form fields were found; such a document can be listed but not transformed or filled.`

	FormRegionsDescription = `List the indexed input regions of an uploaded document.

**When to use:** To see which number refers to which field before filling, or to check what the generated form will ask for.

**Returns:** one line per region: index, field label, kind, page and any prefilled value. The index version and fingerprint identify this exact numbering.`

	FormTransformStartDescription = `Start generating an interactive HTML form for a document.

**When to use:** After upload, when a web form should be offered instead of the raw PDF. Generation runs in the background through several model passes and can take minutes.

**Common workflow:**
1. form_transform_start
2. form_transform_status until status is done
3. form_artifact to read the result

Starting a transformation that is already running fails; wait for it to finish.`

	FormTransformStatusDescription = `Poll the background transformation of a document.

**Returns:** status running, done or not_found, and has_artifact. done with has_artifact=false means the last run failed; start it again to retry.`

	FormArtifactDescription = `Return the stored interactive HTML form of a document.

**When to use:** After form_transform_status reports has_artifact=true. Inputs carry the region index as id and name, and the form posts to the document's submit endpoint.`

	FormFillDescription = `Fill a copy of the document with submitted values.

**When to use:** To produce a completed PDF from values keyed by region index, e.g. {"1": "Jane Doe", "2": "1990-01-01"}. Keys that are not indices are matched against field names.

**Returns:** a report of applied, passed-through and ignored keys, plus the filled PDF as an embedded resource. The stored original is never modified.

**Best practices:** If the report says the index is stale, regenerate the form; numbering has changed since it was generated.`
)

// ToolDescriptions maps tool names to their descriptions
var ToolDescriptions = map[string]string{
	"form_upload":           FormUploadDescription,
	"form_regions":          FormRegionsDescription,
	"form_transform_start":  FormTransformStartDescription,
	"form_transform_status": FormTransformStatusDescription,
	"form_artifact":         FormArtifactDescription,
	"form_fill":             FormFillDescription,
}

// GetToolDescription returns the description for a tool
func GetToolDescription(toolName string) string {
	if desc, exists := ToolDescriptions[toolName]; exists {
		return desc
	}
	return "Tool description not available"
}

// GetAllToolNames returns the tool names in sorted order
func GetAllToolNames() []string {
	names := make([]string, 0, len(ToolDescriptions))
	for name := range ToolDescriptions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
