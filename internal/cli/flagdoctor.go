package cli

// validateFlags centralizes flag combinations shared by several commands.
func validateFlags(globals *Globals, jsonFlag bool) error {
	// --json is shorthand for ndjson; an explicit text format contradicts it
	if jsonFlag && globals != nil && globals.Format == "text" {
		return outputErrorCommon(globals, codeInvalidFlags, "--json cannot be combined with --format text", "drop one of the two flags")
	}
	// quiet + text is confusing for agents; steer to ndjson
	if globals != nil && globals.Format == "text" && globals.Quiet {
		return outputErrorCommon(globals, codeInvalidFlags, "--quiet is only supported with ndjson output", "switch to --format ndjson or drop --quiet")
	}
	if globals != nil && globals.BaseDir == "" {
		return outputErrorCommon(globals, codeInvalidFlags, "--base-dir must not be empty")
	}
	return nil
}
