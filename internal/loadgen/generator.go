// Package loadgen generates synthetic CloudEvents and pushes them through
// a disk buffer to measure throughput.
package loadgen

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jaswdr/faker"

	"github.com/jittakal/kafeventbuffer/pkg/event"
)

// Event types produced by the generator.
const (
	TypeBookIssued   = "com.library.books.issued"
	TypeBookReturned = "com.library.books.returned"

	Source          = "library-management-system"
	ContentTypeJSON = "application/json"
)

// BookIssuedData is the payload of a book issued event.
type BookIssuedData struct {
	BookID      string    `json:"bookId"`
	Title       string    `json:"title"`
	ISBN        string    `json:"isbn"`
	Author      string    `json:"author"`
	Category    string    `json:"category"`
	MemberID    string    `json:"memberId"`
	MemberName  string    `json:"memberName"`
	MemberEmail string    `json:"memberEmail"`
	IssueDate   time.Time `json:"issueDate"`
	DueDate     time.Time `json:"dueDate"`
	BranchName  string    `json:"branchName"`
}

// BookReturnedData is the payload of a book returned event.
type BookReturnedData struct {
	BookID     string    `json:"bookId"`
	MemberID   string    `json:"memberId"`
	IssueDate  time.Time `json:"issueDate"`
	ReturnDate time.Time `json:"returnDate"`
	LateDays   int       `json:"lateDays"`
	LateFee    float64   `json:"lateFee"`
	Condition  string    `json:"condition"` // good, fair, damaged
}

var categories = []string{
	"Fiction", "Science", "Technology", "History", "Biography",
	"Mystery", "Fantasy", "Business", "Programming", "Philosophy",
}

// Generator produces fake library events. It is not safe for concurrent
// use.
type Generator struct {
	faker       faker.Faker
	returnRatio int // percent of events that are returns
	now         func() time.Time
}

// NewGenerator creates a generator. returnRatio is the share of book
// returned events in [0, 1].
func NewGenerator(returnRatio float64) *Generator {
	return &Generator{
		faker:       faker.New(),
		returnRatio: int(returnRatio * 100),
		now:         time.Now,
	}
}

// Next returns a new event of a randomly chosen type.
func (g *Generator) Next() (*event.CloudEvent, error) {
	if g.returnRatio > 0 && g.faker.IntBetween(1, 100) <= g.returnRatio {
		return g.bookReturned()
	}
	return g.bookIssued()
}

// Record wraps the next event with Kafka coordinates.
func (g *Generator) Record(topic string, partition int32, offset int64) (event.Record, error) {
	ev, err := g.Next()
	if err != nil {
		return event.Record{}, err
	}
	now := g.now().UTC()
	return event.Record{
		Event: ev,
		Kafka: event.KafkaMetadata{
			Topic:     topic,
			Partition: partition,
			Offset:    offset,
			Key:       []byte(ev.ID),
			Timestamp: now,
		},
		Offset:      offset,
		ProcessedAt: now,
	}, nil
}

func (g *Generator) bookIssued() (*event.CloudEvent, error) {
	now := g.now().UTC()
	return g.newEvent(TypeBookIssued, now, BookIssuedData{
		BookID:      "B" + g.faker.UUID().V4()[0:8],
		Title:       g.faker.Lorem().Sentence(5),
		ISBN:        "978-" + g.faker.RandomStringWithLength(10),
		Author:      g.faker.Person().Name(),
		Category:    categories[g.faker.IntBetween(0, len(categories)-1)],
		MemberID:    "M" + g.faker.UUID().V4()[0:8],
		MemberName:  g.faker.Person().Name(),
		MemberEmail: g.faker.Internet().Email(),
		IssueDate:   now,
		DueDate:     now.Add(14 * 24 * time.Hour),
		BranchName:  g.faker.Address().City() + " Branch",
	})
}

func (g *Generator) bookReturned() (*event.CloudEvent, error) {
	now := g.now().UTC()
	issued := now.Add(-time.Duration(g.faker.IntBetween(7, 30)) * 24 * time.Hour)
	due := issued.Add(14 * 24 * time.Hour)

	data := BookReturnedData{
		BookID:     "B" + g.faker.UUID().V4()[0:8],
		MemberID:   "M" + g.faker.UUID().V4()[0:8],
		IssueDate:  issued,
		ReturnDate: now,
		Condition:  g.condition(),
	}
	if now.After(due) {
		data.LateDays = int(now.Sub(due).Hours() / 24)
		data.LateFee = float64(data.LateDays) * 0.50
	}
	return g.newEvent(TypeBookReturned, now, data)
}

func (g *Generator) newEvent(eventType string, ts time.Time, data any) (*event.CloudEvent, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	contentType := ContentTypeJSON
	return &event.CloudEvent{
		ID:              uuid.NewString(),
		Source:          Source,
		SpecVersion:     "1.0",
		Type:            eventType,
		DataContentType: &contentType,
		Time:            &ts,
		Data:            payload,
	}, nil
}

// condition is good 70%, fair 25% and damaged 5% of the time.
func (g *Generator) condition() string {
	switch n := g.faker.IntBetween(1, 100); {
	case n <= 70:
		return "good"
	case n <= 95:
		return "fair"
	default:
		return "damaged"
	}
}
