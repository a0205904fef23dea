/*
Package message implements named, bounded, cross-process message channels.

A channel is a ring of fixed-size slots in a shm segment:

	[header 256B][slot 0][slot 1]...[slot capacity-1]

	slot: seq u64 | tag u32 | total u32 | chunks u32 | len u32 | data[chunkSize]

Each slot carries a sequence number: seq == pos means free for the producer
at pos, seq == pos+1 means filled. Producers serialize on a send lock and
wait until every slot a message needs is free, which is where backpressure
comes from. Receivers serialize on a receive lock and only ever take
complete messages, so TryReceive never waits for a slow producer.
*/
package message
