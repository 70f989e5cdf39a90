package models

// ArchivedMessage is one element of an Archive blob's JSON payload. Key
// records the source row's primary key so the compaction cleanup pass can
// recover the exact row set a blob summarizes and delete it.
type ArchivedMessage struct {
	Key       uint   `json:"key"`
	RoomID    int64  `json:"roomid"`
	Timestamp int64  `json:"timestamp"`
	JSON      string `json:"json"`
}
