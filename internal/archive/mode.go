package archive

// Mode selects how much of an archive Extract writes.
type Mode struct {
	entry string
}

// Full extracts every entry.
func Full() Mode { return Mode{} }

// SingleEntry extracts exactly the named entry, keeping its relative path
// under the destination directory.
func SingleEntry(name string) Mode { return Mode{entry: name} }

// IsFull reports whether the mode extracts every entry.
func (m Mode) IsFull() bool { return m.entry == "" }

// Entry returns the requested entry name, or "" for Full.
func (m Mode) Entry() string { return m.entry }

func (m Mode) String() string {
	if m.IsFull() {
		return "full"
	}
	return "single:" + m.entry
}
