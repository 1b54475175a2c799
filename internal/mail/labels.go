package mail

// VisibilityFromLabels derives the folder context and read state of a message
// from its provider label set. Unlabeled messages land in the inbox.
func VisibilityFromLabels(labels []string) Visibility {
	v := Visibility{Folder: "inbox", IsRead: true}
	for _, label := range labels {
		switch label {
		case "UNREAD":
			v.IsRead = false
		case "INBOX":
			v.Folder = "inbox"
		case "SENT":
			v.Folder = "sent"
		case "DRAFT":
			v.Folder = "drafts"
		case "TRASH":
			v.Folder = "trash"
		case "SPAM":
			v.Folder = "spam"
		}
	}
	return v
}

// HasLabel reports whether the provider label set contains label.
func HasLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}
