package services

import "strings"

type Echo struct{}

type EchoArgs struct {
	Text   string `json:"text"`
	Upper  bool   `json:"upper,omitempty"`
	binary []byte
}

// SetBinary receives the binary section of a sync call.
func (a *EchoArgs) SetBinary(b []byte) { a.binary = append([]byte(nil), b...) }

type EchoReply struct {
	Text      string `json:"text"`
	BinaryLen int    `json:"binaryLen"`
}

func (e *Echo) Echo(args *EchoArgs, reply *EchoReply) error {
	reply.Text = args.Text
	if args.Upper {
		reply.Text = strings.ToUpper(args.Text)
	}
	reply.BinaryLen = len(args.binary)
	return nil
}
