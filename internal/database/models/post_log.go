package models

import "time"

// PostLog stores information about a post delivered by a binding.
type PostLog struct {
	Binding      string    `bson:"binding"`
	Domain       string    `bson:"domain"`
	Source       string    `bson:"source"`
	PostID       int64     `bson:"post_id"`
	PostDate     time.Time `bson:"post_date"`
	Attachments  int       `bson:"attachments"`
	Channels     []string  `bson:"channels,omitempty"`
	FailedTo     []string  `bson:"failed_to,omitempty"` // channels skipped or failed
	BlogPostURLs []string  `bson:"blog_post_urls,omitempty"`
	RunID        string    `bson:"run_id"`
	PublishedAt  time.Time `bson:"published_at"`
}
