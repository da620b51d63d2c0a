// Package logging provides structured logging for the protocol tools.
//
// Logging is silent by default so that CLI output stays clean. Set the
// HAIER_LOG_LEVEL environment variable (debug, info, warn, error) to
// enable zap console output, or call Initialize with an explicit level.
//
// Helpers are provided for the cases that come up constantly while
// reverse engineering a wire protocol: hex/ascii dumps of raw byte
// buffers and one-line summaries of decoded frames.
package logging
