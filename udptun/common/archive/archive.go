/*
 * Copyright (c) 2026, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

/*

Package archive records per-client packet captures to disk. Producers
enqueue packets without blocking; a single background goroutine owns all
capture files and writes them in pcapng format, one file per client
virtual address.

*/
package archive

import (
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Psiphon-Labs/udp-tunnel-core/udptun/common"
	"github.com/Psiphon-Labs/udp-tunnel-core/udptun/common/errors"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"golang.org/x/time/rate"
)

const (
	ARCHIVE_BATCH_SIZE     = 100
	ARCHIVE_IDLE_PERIOD    = 100 * time.Millisecond
	CAPTURE_FILE_EXTENSION = ".pcapng"
)

// Archiver writes client packets to capture files. ArchivePacket and
// ClientDisconnected are safe for concurrent use; items enqueued after Stop
// are not written.
type Archiver struct {
	logger        common.Logger
	directory     string
	queue         *packetQueue
	errorLimiter  *rate.Limiter
	runOnce       sync.Once
	stopOnce      sync.Once
	running       atomic.Bool
	stopBroadcast chan struct{}
	waitGroup     sync.WaitGroup

	// Owned by the consumer.
	writers map[netip.Addr]*captureWriter
}

type captureWriter struct {
	file    *os.File
	writer  *pcapgo.NgWriter
	packets int
	dirty   bool
}

// NewArchiver creates an Archiver that stores capture files in directory,
// which must exist.
func NewArchiver(logger common.Logger, directory string) (*Archiver, error) {

	info, err := os.Stat(directory)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if !info.IsDir() {
		return nil, errors.Tracef("not a directory: %s", directory)
	}

	return &Archiver{
		logger:        logger,
		directory:     directory,
		queue:         newPacketQueue(),
		errorLimiter:  rate.NewLimiter(rate.Every(time.Second), 10),
		stopBroadcast: make(chan struct{}),
		writers:       make(map[netip.Addr]*captureWriter),
	}, nil
}

// CaptureFilename returns the capture file name for a client address:
// the dotted address with separators replaced by '-'.
func CaptureFilename(address netip.Addr) string {
	name := address.Unmap().String()
	name = strings.NewReplacer(".", "-", ":", "-").Replace(name)
	return name + CAPTURE_FILE_EXTENSION
}

// Start launches the consumer goroutine.
func (a *Archiver) Start() {
	a.runOnce.Do(func() {
		a.running.Store(true)
		a.waitGroup.Add(1)
		go a.run()
	})
}

// Stop signals the consumer, waits for it to write every item already
// enqueued, and closes all capture files. When Start was never called, the
// queue is drained on the calling goroutine.
func (a *Archiver) Stop() {
	a.stopOnce.Do(func() {
		a.runOnce.Do(func() {})
		close(a.stopBroadcast)
		if a.running.Load() {
			a.waitGroup.Wait()
			return
		}
		a.drain()
		a.closeAll()
	})
}

// ArchivePacket enqueues a copy of packet for the client address. Empty
// packets are ignored.
func (a *Archiver) ArchivePacket(address netip.Addr, packet []byte) {
	if len(packet) == 0 {
		return
	}
	a.queue.push(queueItem{
		address: address,
		packet:  append([]byte(nil), packet...),
	})
}

// ClientDisconnected enqueues a request to close the client's capture file.
// A later packet for the same address starts a new, truncated, file.
func (a *Archiver) ClientDisconnected(address netip.Addr) {
	a.queue.push(queueItem{address: address})
}

func (a *Archiver) run() {
	defer a.waitGroup.Done()

	timer := time.NewTimer(ARCHIVE_IDLE_PERIOD)
	defer timer.Stop()

	for {
		if a.processBatch() > 0 {
			continue
		}

		timer.Reset(ARCHIVE_IDLE_PERIOD)

		select {
		case <-a.stopBroadcast:
			a.drain()
			a.closeAll()
			return
		case <-timer.C:
		}
	}
}

// processBatch handles up to ARCHIVE_BATCH_SIZE items, flushes the files
// written to, and returns the number of items handled.
func (a *Archiver) processBatch() int {

	count := 0
	for ; count < ARCHIVE_BATCH_SIZE; count++ {
		item, ok := a.queue.pop()
		if !ok {
			break
		}
		a.processItem(item)
	}

	if count > 0 {
		a.flush()
	}

	return count
}

func (a *Archiver) drain() {
	for a.processBatch() > 0 {
	}
}

func (a *Archiver) processItem(item queueItem) {

	if len(item.packet) == 0 {
		a.closeWriter(item.address)
		return
	}

	writer, err := a.getWriter(item.address)
	if err != nil {
		a.logError(item.address, "open capture file failed", err)
		return
	}

	err = writer.writer.WritePacket(
		gopacket.CaptureInfo{
			Timestamp:     time.Now(),
			CaptureLength: len(item.packet),
			Length:        len(item.packet),
		},
		item.packet)
	if err != nil {
		a.logError(item.address, "write capture failed", err)
		a.closeWriter(item.address)
		return
	}

	writer.packets++
	writer.dirty = true
}

func (a *Archiver) getWriter(address netip.Addr) (*captureWriter, error) {

	if writer, ok := a.writers[address]; ok {
		return writer, nil
	}

	path := filepath.Join(a.directory, CaptureFilename(address))

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errors.Trace(err)
	}

	ngWriter, err := pcapgo.NewNgWriter(file, layers.LinkTypeRaw)
	if err != nil {
		file.Close()
		return nil, errors.Trace(err)
	}

	writer := &captureWriter{file: file, writer: ngWriter}
	a.writers[address] = writer

	a.logger.WithTraceFields(common.LogFields{
		"client_address": address.String(),
		"path":           path,
	}).Info("capture file created")

	return writer, nil
}

func (a *Archiver) flush() {
	for address, writer := range a.writers {
		if !writer.dirty {
			continue
		}
		writer.dirty = false
		err := writer.writer.Flush()
		if err != nil {
			a.logError(address, "flush capture failed", err)
			a.closeWriter(address)
		}
	}
}

func (a *Archiver) closeWriter(address netip.Addr) {

	writer, ok := a.writers[address]
	if !ok {
		return
	}
	delete(a.writers, address)

	err := writer.writer.Flush()
	closeErr := writer.file.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		a.logError(address, "close capture failed", err)
	}

	a.logger.WithTraceFields(common.LogFields{
		"client_address": address.String(),
		"packets":        writer.packets,
	}).Debug("capture file closed")
}

func (a *Archiver) closeAll() {
	for address := range a.writers {
		a.closeWriter(address)
	}
}

func (a *Archiver) logError(address netip.Addr, message string, err error) {
	if !a.errorLimiter.Allow() {
		return
	}
	a.logger.WithTraceFields(common.LogFields{
		"client_address": address.String(),
		"error":          err,
	}).Warning(message)
}
