// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package skyline

import (
	"fmt"
	"strings"

	"github.com/creachadair/skyline/codec"
	"github.com/creachadair/skyline/dict"
)

// Permission is a set of channel permissions.
type Permission uint32

const (
	Receive           Permission = 1 << iota // receive packets addressed to this client
	ReceiveAll                               // receive all packets on the channel
	Broadcast                                // send packets to all members
	SendAll                                  // send packets to specific members
	Request                                  // send correlated requests
	UseAPI                                   // call channel API methods
	ListenSubscribe                          // observe members joining
	ListenUnsubscribe                        // observe members leaving

	// AllPermissions is the union of all defined permissions.
	AllPermissions = Receive | ReceiveAll | Broadcast | SendAll | Request |
		UseAPI | ListenSubscribe | ListenUnsubscribe
)

var permNames = []string{
	"receive", "receive-all", "broadcast", "send-all",
	"request", "use-api", "listen-subscribe", "listen-unsubscribe",
}

// Has reports whether p includes any of the permissions in q.
func (p Permission) Has(q Permission) bool { return p&q != 0 }

func (p Permission) String() string {
	if p == 0 {
		return "none"
	}
	var parts []string
	for i, name := range permNames {
		if p&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	if rest := p &^ AllPermissions; rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return strings.Join(parts, "|")
}

// ParsePermission parses a permission set in the format produced by the
// String method, e.g., "receive|broadcast".
func ParsePermission(s string) (Permission, error) {
	var out Permission
	if s == "" || s == "none" {
		return 0, nil
	}
	for part := range strings.SplitSeq(s, "|") {
		part = strings.TrimSpace(part)
		if part == "all" {
			out |= AllPermissions
			continue
		}
		i := indexOf(permNames, part)
		if i < 0 {
			return 0, fmt.Errorf("unknown permission %q", part)
		}
		out |= 1 << i
	}
	return out, nil
}

func indexOf(names []string, s string) int {
	for i, name := range names {
		if name == s {
			return i
		}
	}
	return -1
}

// LoginCode is the result code of a login.
type LoginCode byte

const (
	LoginDisconnect LoginCode = 0 // refused, no reason given
	LoginBadToken   LoginCode = 1 // refused, invalid token
	LoginBadName    LoginCode = 2 // refused, invalid name
	LoginDuplicate  LoginCode = 3 // refused, the name is already connected
	LoginGranted    LoginCode = 4 // accepted
	LoginLimited    LoginCode = 5 // accepted with limited access
)

var loginNames = []string{"disconnect", "invalid-token", "invalid-name", "duplicate", "granted", "limited"}

// OK reports whether c accepts the login.
func (c LoginCode) OK() bool { return c == LoginGranted || c == LoginLimited }

func (c LoginCode) String() string {
	if int(c) < len(loginNames) {
		return loginNames[c]
	}
	return fmt.Sprintf("login-code:%d", byte(c))
}

// JoinStatus is the server's answer to a join request.
type JoinStatus byte

const (
	JoinOK       JoinStatus = 0 // joined with the granted permissions
	JoinDenied   JoinStatus = 1 // the server refused the join
	JoinNotFound JoinStatus = 2 // the server does not know the channel
	JoinMigrate  JoinStatus = 3 // the channel is served at another address
)

var joinNames = []string{"ok", "denied", "not-found", "migrate"}

func (s JoinStatus) String() string {
	if int(s) < len(joinNames) {
		return joinNames[s]
	}
	return fmt.Sprintf("join-status:%d", byte(s))
}

// DisconnectReason is the reason given by a peer for ending a connection.
type DisconnectReason byte

const (
	ReasonClosed             DisconnectReason = 0 // normal close
	ReasonDisband            DisconnectReason = 1 // the peer is going away
	ReasonInvalidToken       DisconnectReason = 2
	ReasonInvalidName        DisconnectReason = 3
	ReasonInvalidIdentifiers DisconnectReason = 4
	ReasonInvalidProtocol    DisconnectReason = 5
)

var reasonNames = []string{
	"closed", "disband", "invalid-token", "invalid-name", "invalid-identifiers", "invalid-protocol",
}

func (r DisconnectReason) String() string {
	if int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return fmt.Sprintf("reason:%d", byte(r))
}

// Graceful reports whether r denotes an orderly shutdown rather than an
// error.
func (r DisconnectReason) Graceful() bool { return r == ReasonClosed || r == ReasonDisband }

// Login is the first packet sent by a client on a new connection.
type Login struct {
	Name        string
	Token       string
	Identifiers []string
}

// Packet encodes l as a system channel packet.
func (l Login) Packet() *codec.Packet {
	return sysPacket(dict.SysLogin).
		Set("name", l.Name).
		Set("token", []byte(l.Token)).
		Set("identifiers", nonNil(l.Identifiers))
}

// Decode decodes p into l.
func (l *Login) Decode(p *codec.Packet) error {
	var token []byte
	if err := decodeFields(p, dict.SysLogin,
		req(&l.Name, "name"), req(&token, "token"), stringList(&l.Identifiers, "identifiers", true),
	); err != nil {
		return err
	}
	l.Token = string(token)
	return nil
}

// LoginResponse is the server's answer to a [Login].
type LoginResponse struct {
	Code        LoginCode
	ClientID    uint64
	Name        string
	Identifiers []string
}

// Packet encodes r as a system channel packet.
func (r LoginResponse) Packet() *codec.Packet {
	p := sysPacket(dict.SysLoginResponse).
		Set("code", int64(r.Code)).
		Set("client_id", int64(r.ClientID)).
		Set("name", r.Name)
	if r.Identifiers != nil {
		p.Set("identifiers", r.Identifiers)
	}
	return p
}

// Decode decodes p into r.
func (r *LoginResponse) Decode(p *codec.Packet) error {
	var code, id int64
	if err := decodeFields(p, dict.SysLoginResponse,
		req(&code, "code"), req(&id, "client_id"), req(&r.Name, "name"),
		stringList(&r.Identifiers, "identifiers", false),
	); err != nil {
		return err
	}
	r.Code, r.ClientID = LoginCode(code), uint64(id)
	return nil
}

// DictionaryPush carries a binary schema document from the server.
type DictionaryPush struct {
	Schema      []byte // as produced by dict.EncodeSchema, then compressed
	Compression dict.Compression
}

// NewDictionaryPush encodes and compresses s for transmission.
func NewDictionaryPush(s dict.Schema, alg dict.Compression) (DictionaryPush, error) {
	data, err := dict.Compress(alg, dict.EncodeSchema(s))
	if err != nil {
		return DictionaryPush{}, err
	}
	return DictionaryPush{Schema: data, Compression: alg}, nil
}

// Packet encodes d as a system channel packet.
func (d DictionaryPush) Packet() *codec.Packet {
	return sysPacket(dict.SysDictionary).
		Set("schema", nonNil(d.Schema)).
		Set("compression", int64(d.Compression))
}

// Decode decodes p into d.
func (d *DictionaryPush) Decode(p *codec.Packet) error {
	var alg int64
	if err := decodeFields(p, dict.SysDictionary, req(&d.Schema, "schema"), req(&alg, "compression")); err != nil {
		return err
	}
	d.Compression = dict.Compression(alg)
	return nil
}

// SchemaDoc decompresses and decodes the schema carried by d.
func (d DictionaryPush) SchemaDoc() (dict.Schema, error) {
	raw, err := dict.Decompress(d.Compression, d.Schema)
	if err != nil {
		return dict.Schema{}, err
	}
	return dict.DecodeSchema(raw)
}

// FetchDictionary asks the server to push its current dictionary.
type FetchDictionary struct{}

// Packet encodes f as a system channel packet.
func (FetchDictionary) Packet() *codec.Packet { return sysPacket(dict.SysFetchDictionary) }

// JoinRequest asks the server to join a channel, or one topic of it.
type JoinRequest struct {
	Channel     uint32
	Permissions Permission
	Topic       uint16 // 0 for the whole channel
}

// Packet encodes j as a system channel packet.
func (j JoinRequest) Packet() *codec.Packet {
	p := sysPacket(dict.SysJoinRequest).
		Set("channel", int64(j.Channel)).
		Set("permissions", int64(j.Permissions))
	return withTopic(p, j.Topic)
}

// Decode decodes p into j.
func (j *JoinRequest) Decode(p *codec.Packet) error {
	return decodeFields(p, dict.SysJoinRequest,
		u32(&j.Channel, "channel"), perm(&j.Permissions, "permissions"), topic(&j.Topic))
}

// JoinResponse is the server's answer to a [JoinRequest].
type JoinResponse struct {
	Status      JoinStatus
	Channel     uint32
	Permissions Permission // granted
	Address     string     // for JoinMigrate
	Topic       uint16     // the topic joined, 0 for the whole channel
}

// Packet encodes j as a system channel packet.
func (j JoinResponse) Packet() *codec.Packet {
	p := sysPacket(dict.SysJoinResponse).
		Set("status", int64(j.Status)).
		Set("channel", int64(j.Channel)).
		Set("permissions", int64(j.Permissions))
	if j.Address != "" {
		p.Set("address", j.Address)
	}
	return withTopic(p, j.Topic)
}

// Decode decodes p into j.
func (j *JoinResponse) Decode(p *codec.Packet) error {
	var status int64
	if err := decodeFields(p, dict.SysJoinResponse,
		req(&status, "status"), u32(&j.Channel, "channel"), perm(&j.Permissions, "permissions"),
		opt(&j.Address, "address"), topic(&j.Topic),
	); err != nil {
		return err
	}
	j.Status = JoinStatus(status)
	return nil
}

// LeaveNotice reports that a client has left a channel. The client sends it
// when leaving; the server sends it to remove the client from a channel.
type LeaveNotice struct {
	Channel uint32
}

// Packet encodes n as a system channel packet.
func (n LeaveNotice) Packet() *codec.Packet {
	return sysPacket(dict.SysLeave).Set("channel", int64(n.Channel))
}

// Decode decodes p into n.
func (n *LeaveNotice) Decode(p *codec.Packet) error {
	return decodeFields(p, dict.SysLeave, u32(&n.Channel, "channel"))
}

// PermissionUpdate sets the permissions of a joined channel. The result is
// limited to the permissions the client requested. An update naming a topic
// applies only if the client joined the channel with that topic.
type PermissionUpdate struct {
	Channel     uint32
	Permissions Permission
	Topic       uint16
}

// Packet encodes u as a system channel packet.
func (u PermissionUpdate) Packet() *codec.Packet {
	p := sysPacket(dict.SysPermissionUpdate).
		Set("channel", int64(u.Channel)).
		Set("permissions", int64(u.Permissions))
	return withTopic(p, u.Topic)
}

// Decode decodes p into u.
func (u *PermissionUpdate) Decode(p *codec.Packet) error {
	return decodeFields(p, dict.SysPermissionUpdate,
		u32(&u.Channel, "channel"), perm(&u.Permissions, "permissions"), topic(&u.Topic))
}

// DisconnectNotice announces that the sender is ending the connection.
type DisconnectNotice struct {
	Reason  DisconnectReason
	Message string
}

// Packet encodes n as a system channel packet.
func (n DisconnectNotice) Packet() *codec.Packet {
	p := sysPacket(dict.SysDisconnect).Set("reason", int64(n.Reason))
	if n.Message != "" {
		p.Set("message", n.Message)
	}
	return p
}

// Decode decodes p into n.
func (n *DisconnectNotice) Decode(p *codec.Packet) error {
	var reason int64
	if err := decodeFields(p, dict.SysDisconnect, req(&reason, "reason"), opt(&n.Message, "message")); err != nil {
		return err
	}
	n.Reason = DisconnectReason(reason)
	return nil
}

func sysPacket(id uint32) *codec.Packet { return codec.NewPacket(dict.SystemChannelID, id) }

// withTopic adds the topic field to p unless it denotes the whole channel.
func withTopic(p *codec.Packet, topic uint16) *codec.Packet {
	if topic != 0 {
		p.Set("topic", int64(topic))
	}
	return p
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// A fieldDecoder extracts one field of a control packet.
type fieldDecoder func(*codec.Packet) error

func decodeFields(p *codec.Packet, want uint32, fs ...fieldDecoder) error {
	if p.ChannelID != dict.SystemChannelID || p.PacketID != want {
		name := fmt.Sprint(want)
		if desc, ok := dict.System.Packet(want); ok {
			name = desc.Name
		}
		return fmt.Errorf("packet %d/%d is not a %s packet", p.ChannelID, p.PacketID, name)
	}
	for _, f := range fs {
		if err := f(p); err != nil {
			return err
		}
	}
	return nil
}

func req[T any](dst *T, name string) fieldDecoder {
	return func(p *codec.Packet) error {
		v, ok := codec.Value[T](p, name)
		if !ok {
			return fmt.Errorf("missing or invalid field %q", name)
		}
		*dst = v
		return nil
	}
}

func opt[T any](dst *T, name string) fieldDecoder {
	return func(p *codec.Packet) error {
		if _, ok := p.Get(name); !ok {
			return nil
		}
		return req(dst, name)(p)
	}
}

func u32(dst *uint32, name string) fieldDecoder {
	return func(p *codec.Packet) error {
		var v int64
		if err := req(&v, name)(p); err != nil {
			return err
		} else if v < 0 || v > 1<<32-1 {
			return fmt.Errorf("field %q value %d out of range", name, v)
		}
		*dst = uint32(v)
		return nil
	}
}

// topic decodes the optional topic field, leaving *dst 0 if it is absent.
func topic(dst *uint16) fieldDecoder {
	return func(p *codec.Packet) error {
		var v int64
		if err := opt(&v, "topic")(p); err != nil {
			return err
		} else if v < 0 || v > 1<<16-1 {
			return fmt.Errorf("field %q value %d out of range", "topic", v)
		}
		*dst = uint16(v)
		return nil
	}
}

func perm(dst *Permission, name string) fieldDecoder {
	return func(p *codec.Packet) error {
		var v uint32
		if err := u32(&v, name)(p); err != nil {
			return err
		}
		*dst = Permission(v)
		return nil
	}
}

func stringList(dst *[]string, name string, required bool) fieldDecoder {
	return func(p *codec.Packet) error {
		v, ok := p.Get(name)
		if !ok {
			if required {
				return fmt.Errorf("missing field %q", name)
			}
			return nil
		}
		var out []string
		switch t := v.(type) {
		case []string:
			out = t
		case []any:
			for _, e := range t {
				s, ok := e.(string)
				if !ok {
					return fmt.Errorf("field %q element %v is not a string", name, e)
				}
				out = append(out, s)
			}
		default:
			return fmt.Errorf("field %q is not a list", name)
		}
		*dst = out
		return nil
	}
}
