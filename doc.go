// Package loom provides specification-driven workflow machinery.
//
// The net semantics are in package 'core', the case host is in
// 'engine', storage adapters are in 'persist', and some command-line
// tools are in 'cmd'.
//
// See https://github.com/Comcast/loom/blob/master/README.md for more.
package loom
