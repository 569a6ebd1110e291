package presence

import "fmt"

// Key layout:
//   - boardUsersKey(board):      Set<userId> of users active on a board
//   - boardUserKey(board, user): Hash of the user's presence fields
//   - userBoardsKey(user):       Set<boardId> reverse index used for disconnect cleanup
//   - cardTypingKey(card):       Hash<userId -> typing JSON>
//   - boardTypingKey(board):     Set<cardId> cards with a typing indicator
//   - userTypingKey(user):       Set<cardId> reverse index of a user's indicators
//
// Every key carries a TTL; explicit removal is an optimisation, expiry is the guarantee.
const (
	keyBoardUsersFmt  = "presence:board:{%s}:users"
	keyBoardUserFmt   = "presence:board:{%s}:user:%s"
	keyUserBoardsFmt  = "presence:user:{%s}:boards"
	keyCardTypingFmt  = "presence:card:{%s}:typing"
	keyBoardTypingFmt = "presence:board:{%s}:typing"
	keyUserTypingFmt  = "presence:user:{%s}:typing"
)

func boardUsersKey(boardID string) string { return fmt.Sprintf(keyBoardUsersFmt, boardID) }
func boardUserKey(boardID, userID string) string {
	return fmt.Sprintf(keyBoardUserFmt, boardID, userID)
}
func userBoardsKey(userID string) string   { return fmt.Sprintf(keyUserBoardsFmt, userID) }
func cardTypingKey(cardID string) string   { return fmt.Sprintf(keyCardTypingFmt, cardID) }
func boardTypingKey(boardID string) string { return fmt.Sprintf(keyBoardTypingFmt, boardID) }
func userTypingKey(userID string) string   { return fmt.Sprintf(keyUserTypingFmt, userID) }

const (
	fieldID           = "id"
	fieldName         = "name"
	fieldEmail        = "email"
	fieldAvatar       = "avatar"
	fieldJoinedAt     = "joinedAt"
	fieldLastActivity = "lastActivity"
)
