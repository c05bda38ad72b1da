/*
	The data package keeps the delivery journal: one MongoDB document per
	completed send attempt, successful or not.
*/
package data

import (
	"time"

	"github.com/gleez/mailer/config"
	"github.com/gleez/mailer/log"

	"gopkg.in/mgo.v2"
	"gopkg.in/mgo.v2/bson"
)

// JournalEntry is one recorded delivery attempt.
type JournalEntry struct {
	Id         string    `bson:"_id" json:"id"`
	From       string    `json:"from"`
	Recipients []string  `json:"recipients"`
	Rejected   []string  `json:"rejected,omitempty"`
	MessageID  string    `json:"messageID"`
	Subject    string    `json:"subject"`
	Size       int       `json:"size"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Journal is a MongoDB-backed log of delivery attempts.
type Journal struct {
	Config     config.DataStoreConfig
	Session    *mgo.Session
	Deliveries *mgo.Collection
}

// CreateJournal connects to MongoDB and prepares the deliveries collection.
// Returns nil when the connection fails; a nil Journal disables recording.
func CreateJournal(c config.DataStoreConfig) *Journal {
	log.LogTrace("Connecting to MongoDB: %s", c.MongoUri)

	session, err := mgo.Dial(c.MongoUri)
	if err != nil {
		log.LogError("Error connecting to MongoDB: %s", err)
		return nil
	}

	deliveries := session.DB(c.MongoDb).C(c.MongoColl)
	err = deliveries.EnsureIndex(mgo.Index{
		Key:        []string{"createdat"},
		Background: true,
	})
	if err != nil {
		log.LogWarn("Failed to ensure journal index: %v", err)
	}

	return &Journal{
		Config:     c,
		Session:    session,
		Deliveries: deliveries,
	}
}

// Record inserts one delivery attempt. Safe to call on a nil Journal.
func (j *Journal) Record(entry *JournalEntry) error {
	if j == nil {
		return nil
	}
	entry.Id = bson.NewObjectId().Hex()
	entry.CreatedAt = time.Now()

	sess := j.Session.Clone()
	defer sess.Close()

	err := j.Deliveries.With(sess).Insert(entry)
	if err != nil {
		log.LogError("Failed to journal delivery %v: %v", entry.MessageID, err)
		return err
	}
	log.LogTrace("Journaled delivery %v", entry.MessageID)
	return nil
}

// Recent returns the latest delivery attempts, newest first.
func (j *Journal) Recent(limit int) ([]JournalEntry, error) {
	if j == nil {
		return nil, nil
	}
	sess := j.Session.Clone()
	defer sess.Close()

	var entries []JournalEntry
	err := j.Deliveries.With(sess).Find(bson.M{}).Sort("-createdat").Limit(limit).All(&entries)
	return entries, err
}

// Total counts the journaled delivery attempts.
func (j *Journal) Total() (int, error) {
	if j == nil {
		return 0, nil
	}
	sess := j.Session.Clone()
	defer sess.Close()

	return j.Deliveries.With(sess).Count()
}

// Close shuts the MongoDB session down.
func (j *Journal) Close() {
	if j == nil {
		return
	}
	j.Session.Close()
}
