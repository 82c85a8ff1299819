package featureflag

type Flag string

const (
	FlagDisableSessionState              Flag = "DISABLE_SESSION_STATE"
	FlagDisableParticipantJoinBroadcast  Flag = "DISABLE_PARTICIPANT_JOIN_BROADCAST"
	FlagDisableParticipantLeaveBroadcast Flag = "DISABLE_PARTICIPANT_LEAVE_BROADCAST"
	FlagDisableEntityAddBroadcast        Flag = "DISABLE_ENTITY_ADD_BROADCAST"
	FlagDisableEntityDeleteBroadcast     Flag = "DISABLE_ENTITY_DELETE_BROADCAST"
	FlagDisableEntityUpdatePoseBroadcast Flag = "DISABLE_ENTITY_UPDATE_POSE_BROADCAST"

	// Relays entity pose updates only to the owners of the entities within
	// the interest radius of the moved entity.
	FlagSpatialInterestBroadcast Flag = "SPATIAL_INTEREST_BROADCAST"
)

// Known returns every flag the server reads.
func Known() []Flag {
	return []Flag{
		FlagDisableSessionState,
		FlagDisableParticipantJoinBroadcast,
		FlagDisableParticipantLeaveBroadcast,
		FlagDisableEntityAddBroadcast,
		FlagDisableEntityDeleteBroadcast,
		FlagDisableEntityUpdatePoseBroadcast,
		FlagSpatialInterestBroadcast,
	}
}
