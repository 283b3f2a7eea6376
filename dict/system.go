// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package dict

import "fmt"

// SystemChannelID is the reserved channel carrying control packets.
const SystemChannelID = 0

// Packet IDs on the system channel.
const (
	SysLogin            = 1
	SysLoginResponse    = 2
	SysDictionary       = 3
	SysFetchDictionary  = 4
	SysJoinRequest      = 5
	SysJoinResponse     = 6
	SysLeave            = 7
	SysPermissionUpdate = 8
	SysDisconnect       = 9
)

var systemSchema = ChannelSchema{
	ID:   SystemChannelID,
	Name: "system",
	Packets: []PacketSchema{
		{ID: SysLogin, Name: "login", Fields: []FieldSchema{
			{Name: "name", Type: "string", Ordinal: 0},
			{Name: "token", Type: "bytes", Ordinal: 1},
			{Name: "identifiers", Type: "list<string>", Ordinal: 2},
		}},
		{ID: SysLoginResponse, Name: "login_response", Fields: []FieldSchema{
			{Name: "code", Type: "integer", Ordinal: 0},
			{Name: "client_id", Type: "integer", Ordinal: 1},
			{Name: "name", Type: "string", Ordinal: 2},
			{Name: "identifiers", Type: "list<string>", Ordinal: 3, Optional: true},
		}},
		{ID: SysDictionary, Name: "dictionary", Fields: []FieldSchema{
			{Name: "schema", Type: "bytes", Ordinal: 0},
			{Name: "compression", Type: "integer", Ordinal: 1},
		}},
		{ID: SysFetchDictionary, Name: "fetch_dictionary"},
		{ID: SysJoinRequest, Name: "join_request", Fields: []FieldSchema{
			{Name: "channel", Type: "integer", Ordinal: 0},
			{Name: "permissions", Type: "integer", Ordinal: 1},
			{Name: "topic", Type: "integer", Ordinal: 2, Optional: true},
		}},
		{ID: SysJoinResponse, Name: "join_response", Fields: []FieldSchema{
			{Name: "status", Type: "integer", Ordinal: 0},
			{Name: "channel", Type: "integer", Ordinal: 1},
			{Name: "permissions", Type: "integer", Ordinal: 2},
			{Name: "address", Type: "string", Ordinal: 3, Optional: true},
			{Name: "topic", Type: "integer", Ordinal: 4, Optional: true},
		}},
		{ID: SysLeave, Name: "leave", Fields: []FieldSchema{
			{Name: "channel", Type: "integer", Ordinal: 0},
		}},
		{ID: SysPermissionUpdate, Name: "permission_update", Fields: []FieldSchema{
			{Name: "channel", Type: "integer", Ordinal: 0},
			{Name: "permissions", Type: "integer", Ordinal: 1},
			{Name: "topic", Type: "integer", Ordinal: 2, Optional: true},
		}},
		{ID: SysDisconnect, Name: "disconnect", Fields: []FieldSchema{
			{Name: "reason", Type: "integer", Ordinal: 0},
			{Name: "message", Type: "string", Ordinal: 1, Optional: true},
		}},
	},
}

// System is the descriptor of the system channel. It is the same in every
// dictionary.
var System = func() *Channel {
	c, err := buildChannel(systemSchema)
	if err != nil {
		panic(fmt.Sprintf("invalid system channel: %v", err))
	}
	return c
}()
