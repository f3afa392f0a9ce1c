// Package bpf holds the compiled-in eBPF TLS probe program and its
// bpf2go-generated Go bindings (TlsProbeObjects, LoadTlsProbeObjects).
//
// Running `go generate` here requires clang and the kernel headers for the
// target arch; it produces tlsprobe_bpfel.go/tlsprobe_bpfeb.go with the
// compiled program embedded as bytes, plus the TlsProbeObjects/
// LoadTlsProbeObjects bindings the Linux adapter calls. Those generated
// files are build output, not hand-maintained source, and are not checked
// in until that step has run on a machine with the BPF toolchain installed.
//
//go:generate go run github.com/cilium/ebpf/cmd/bpf2go -cc clang -cflags "-O2 -g -Wall" TlsProbe tls_probe.c -- -I./headers
package bpf
