// Package report renders bootstrap results, proxy checks and run history.
//
// This package contains writers for different output formats:
//   - SimpleWriter: Human-readable text output for terminal display
//   - JSONWriter: Structured JSON output for tool integration
//   - MarkdownWriter: Markdown output for sharing and documentation
//
// Design decision: We separate report writing from the data it renders
// (bootstrap.Result, database.RunRecord). Writers work on the small view
// types in status.go, so adding an output format does not touch the
// bootstrap code.
package report
