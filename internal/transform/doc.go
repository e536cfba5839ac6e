// Package transform turns full Gmail messages into stored messages.
//
// It parses headers and addresses, walks the MIME tree for the first plain
// and HTML bodies, strips quoted replies, and moves qualifying attachments
// into blob storage with a matching document record.
package transform
