// Package protocol implements the TUIC v5 command codec.
//
// Every command starts with a two byte header:
//
//	VER [1 byte] - always 0x05
//	CMD [1 byte] - command type
//
// followed by a command specific body. Commands carry no length prefix: on a
// stream the boundary of each command is determined by its own fields, while
// a datagram always holds exactly one command. Multi-byte integers are
// big-endian.
//
//	Authenticate (0x00): UUID [16] TOKEN [32]
//	Connect      (0x01): ADDR
//	Packet       (0x02): ASSOC_ID [2] PKT_ID [2] FRAG_TOTAL [1] FRAG_ID [1] SIZE [2] ADDR PAYLOAD [SIZE]
//	Dissociate   (0x03): ASSOC_ID [2]
//	Heartbeat    (0x04): (empty)
//
// ADDR is a one byte type followed by the address body:
//
//	0xff None
//	0x00 Domain  LEN [1] HOST [LEN] PORT [2]
//	0x01 IPv4    ADDR [4] PORT [2]
//	0x02 IPv6    ADDR [16] PORT [2]
package protocol
