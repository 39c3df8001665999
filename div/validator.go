// Copyright 2025 The Verso Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package div

import (
	"github.com/verso-db/verso/errors"
	"github.com/verso-db/verso/meta"
	"github.com/verso-db/verso/pubsub"
)

// Classification is the outcome of validating one message against the
// producer's tracked segment/sequence state.
type Classification int

const (
	// Valid advances the tracked state.
	Valid Classification = iota
	// Duplicate means the message was already seen and must be skipped.
	Duplicate
	// Benign means the state could not be fully checked (e.g. first sight of
	// a producer mid-segment after subscribing mid-stream) but processing is
	// safe.
	Benign
	// Fatal means messages were lost or reordered.
	Fatal
)

func (c Classification) String() string {
	switch c {
	case Valid:
		return "VALID"
	case Duplicate:
		return "DUPLICATE"
	case Benign:
		return "BENIGN"
	case Fatal:
		return "FATAL"
	}
	return "UNKNOWN"
}

// OffsetRecordMutator folds the validated producer state into an offset
// record at drain time.
type OffsetRecordMutator func(rec *meta.OffsetRecord)

type producerState struct {
	segmentNumber int32
	sequence      int32
}

// Validator tracks segment/sequence per producer GUID for one partition. It
// is used from a single goroutine (ingestion thread for real-time records,
// drainer for version-topic records) and is rebuildable from the last
// checkpointed offset record.
type Validator struct {
	partition int32
	states    map[pubsub.GUID]*producerState
}

func NewValidator(partition int32) *Validator {
	return &Validator{partition: partition, states: map[pubsub.GUID]*producerState{}}
}

// RestoreFrom rebuilds tracking state from a checkpointed offset record.
func (v *Validator) RestoreFrom(rec *meta.OffsetRecord) {
	v.states = make(map[pubsub.GUID]*producerState, len(rec.PendingProducerStates))
	for guid, ps := range rec.PendingProducerStates {
		v.states[guid] = &producerState{segmentNumber: ps.SegmentNumber, sequence: ps.Sequence}
	}
}

// Validate classifies the message. For Valid and Benign it also returns the
// mutator recording the new producer state on the offset record. For Fatal a
// coded error describing the gap is returned.
func (v *Validator) Validate(env *pubsub.MessageEnvelope) (Classification, OffsetRecordMutator, error) {
	md := env.ProducerMetadata
	state, tracked := v.states[md.GUID]
	if !tracked {
		// First sight of this producer. A fresh producer starts at segment 0
		// sequence 0; anything else means we subscribed mid-segment, which
		// is benign.
		cls := Valid
		if md.SegmentNumber != 0 || md.Sequence != 0 {
			cls = Benign
		}
		v.states[md.GUID] = &producerState{segmentNumber: md.SegmentNumber, sequence: md.Sequence}
		return cls, v.mutatorFor(md.GUID), nil
	}

	if md.SegmentNumber < state.segmentNumber {
		return Duplicate, nil, nil
	}
	if md.SegmentNumber == state.segmentNumber {
		switch {
		case md.Sequence == state.sequence+1:
			state.sequence = md.Sequence
			return Valid, v.mutatorFor(md.GUID), nil
		case md.Sequence <= state.sequence:
			return Duplicate, nil, nil
		default:
			err := errors.NewVersoErrorf(errors.FatalDataValidation,
				"partition %d producer %x: missing messages in segment %d, expected sequence %d got %d",
				v.partition, md.GUID[:4], md.SegmentNumber, state.sequence+1, md.Sequence)
			return Fatal, nil, err
		}
	}
	// New segment
	if md.SegmentNumber == state.segmentNumber+1 {
		if md.Sequence != 0 {
			err := errors.NewVersoErrorf(errors.FatalDataValidation,
				"partition %d producer %x: segment %d started at sequence %d",
				v.partition, md.GUID[:4], md.SegmentNumber, md.Sequence)
			return Fatal, nil, err
		}
		state.segmentNumber = md.SegmentNumber
		state.sequence = 0
		return Valid, v.mutatorFor(md.GUID), nil
	}
	err := errors.NewVersoErrorf(errors.FatalDataValidation,
		"partition %d producer %x: missing segments, expected %d got %d",
		v.partition, md.GUID[:4], state.segmentNumber+1, md.SegmentNumber)
	return Fatal, nil, err
}

func (v *Validator) mutatorFor(guid pubsub.GUID) OffsetRecordMutator {
	state := *v.states[guid]
	return func(rec *meta.OffsetRecord) {
		rec.PendingProducerStates[guid] = meta.ProducerPartitionState{
			SegmentNumber: state.segmentNumber,
			Sequence:      state.sequence,
		}
	}
}
