//go:build ignore

// gen.go generates the raw FileDescriptorProto bytes needed for proto/rtrace.pb.go.
// Run with: go run ./internal/proto/gen/gen.go
package main

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"os"

	"google.golang.org/protobuf/proto"
	descriptorpb "google.golang.org/protobuf/types/descriptorpb"
)

func main() {
	b := ptr[bool]
	s := ptr[string]
	_ = b
	_ = s

	fd := &descriptorpb.FileDescriptorProto{
		Name:    s("proto/rtrace.proto"),
		Package: s("rtrace"),
		Options: &descriptorpb.FileOptions{
			GoPackage: s("github.com/sp-rtrace/rtrace-go/proto"),
		},
		Syntax: s("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			{
				Name: s("SessionHandshake"),
				Field: []*descriptorpb.FieldDescriptorProto{
					{Name: s("version_major"), Number: p(1), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_UINT32.Enum(), JsonName: s("versionMajor")},
					{Name: s("version_minor"), Number: p(2), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_UINT32.Enum(), JsonName: s("versionMinor")},
					{Name: s("arch"), Number: p(3), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(), JsonName: s("arch")},
					{Name: s("big_endian"), Number: p(4), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_BOOL.Enum(), JsonName: s("bigEndian")},
					{Name: s("pointer_size"), Number: p(5), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_UINT32.Enum(), JsonName: s("pointerSize")},
					{Name: s("process_name"), Number: p(6), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(), JsonName: s("processName")},
					{Name: s("pid"), Number: p(7), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_INT32.Enum(), JsonName: s("pid")},
				},
			},
			{
				Name: s("RegisterResponse"),
				Field: []*descriptorpb.FieldDescriptorProto{
					{Name: s("session_id"), Number: p(1), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(), JsonName: s("sessionId")},
				},
			},
			{
				Name: s("Packet"),
				Field: []*descriptorpb.FieldDescriptorProto{
					{Name: s("type"), Number: p(1), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_UINT32.Enum(), JsonName: s("type")},
					{Name: s("payload"), Number: p(2), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_BYTES.Enum(), JsonName: s("payload")},
				},
			},
			{
				Name: s("PacketBatch"),
				Field: []*descriptorpb.FieldDescriptorProto{
					{Name: s("session_id"), Number: p(1), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(), JsonName: s("sessionId")},
					{Name: s("packets"), Number: p(2), Label: descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_MESSAGE.Enum(), TypeName: s(".rtrace.Packet"), JsonName: s("packets")},
				},
			},
			{
				Name: s("BatchAck"),
				Field: []*descriptorpb.FieldDescriptorProto{
					{Name: s("ok"), Number: p(1), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_BOOL.Enum(), JsonName: s("ok")},
					{Name: s("error"), Number: p(2), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(), JsonName: s("error")},
				},
			},
		},
		Service: []*descriptorpb.ServiceDescriptorProto{
			{
				Name: s("PacketService"),
				Method: []*descriptorpb.MethodDescriptorProto{
					{
						Name:       s("RegisterSession"),
						InputType:  s(".rtrace.SessionHandshake"),
						OutputType: s(".rtrace.RegisterResponse"),
					},
					{
						Name:            s("StreamPackets"),
						InputType:       s(".rtrace.PacketBatch"),
						OutputType:      s(".rtrace.BatchAck"),
						ClientStreaming: b(true),
						ServerStreaming: b(true),
					},
				},
			},
		},
	}

	raw, err := proto.Marshal(fd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshal error: %v\n", err)
		os.Exit(1)
	}

	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		fmt.Fprintf(os.Stderr, "gzip write error: %v\n", err)
		os.Exit(1)
	}
	if err := w.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "gzip close error: %v\n", err)
		os.Exit(1)
	}

	gzBytes := buf.Bytes()
	fmt.Printf("// Raw: %d bytes, GZip: %d bytes\n", len(raw), len(gzBytes))
	fmt.Printf("var file_proto_rtrace_proto_rawDescGZIP_once sync.Once\n")
	fmt.Printf("var file_proto_rtrace_proto_rawDescGZIP_data []byte\n\n")
	fmt.Printf("var file_proto_rtrace_proto_rawDesc = []byte{\n\t")
	for i, b := range gzBytes {
		if i > 0 && i%16 == 0 {
			fmt.Printf("\n\t")
		}
		fmt.Printf("0x%02x,", b)
	}
	fmt.Printf("\n}\n")
}

func ptr[T any](v T) *T   { return &v }
func s(v string) *string  { return &v }
func p(v int32) *int32    { return &v }
func b(v bool) *bool      { return &v }
