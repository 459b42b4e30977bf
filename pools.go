package odb

import "sync"

var recordBytesPool = &sync.Pool{
	New: func() any {
		return make([]byte, 0, 4096)
	},
}

func getRecordBuf() []byte {
	return recordBytesPool.Get().([]byte)[:0]
}

func releaseRecordBuf(b []byte) {
	if cap(b) > 1<<20 {
		return // don't pin huge buffers
	}
	recordBytesPool.Put(b[:0])
}
