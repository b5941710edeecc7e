// Package archive extracts bundle archives into a destination directory.
//
// Archives are zip files, optionally wrapped in an age passphrase envelope
// (binary or ASCII-armored). Entries are written one at a time: each file is
// streamed into a temporary sibling and renamed over the destination, so a
// reader never sees a half-written file, but an interrupted extraction can
// leave a mix of old and new files. Callers needing all-or-nothing semantics
// must layer their own protocol on top.
package archive
