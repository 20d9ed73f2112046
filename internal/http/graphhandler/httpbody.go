package graphhandler

type PromoteBody struct {
	RequesterID  string `json:"requester_id"   binding:"required" example:"user123"`
	TargetUserID string `json:"target_user_id" binding:"required" example:"user456"`
} // @name PromoteRequest

type ErrorResponse struct {
	Error string `json:"error"`
} // @name ErrorResponse

type ListCommandsQuery struct {
	Limit int `form:"limit,default=50" binding:"gte=0,lte=500"`
} // @name ListCommandsQuery
