// Package domain holds the types shared by every coordination component:
// rooms, peers, producers, messages and the stream-kind taxonomy.
package domain

// RoomId identifies a media room. It doubles as the chat JobId / ConversationId:
// a room maps 1:1 to a jobId for chat purposes.
type RoomId = string

// UserId is the stable principal identifier extracted from a validated token's
// "sub" claim.
type UserId = string

// JobId is the opaque chat partition key. In this system JobId and RoomId are
// the same string space.
type JobId = string

// SocketId identifies one live connection.
type SocketId = string

// ProducerId identifies a server-side handle for media uploaded by a peer.
type ProducerId = string
